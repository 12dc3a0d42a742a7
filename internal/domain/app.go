package domain

import "time"

// App describes a deployable unit: where its source lives and how to run it.
type App struct {
	ID              string
	TeamID          string
	ProjectID       *string
	Name            string
	RepoURL         string
	Branch          string
	DockerfilePath  string
	Port            int
	HealthcheckPath string
	CPULimitPercent int
	MemoryLimitMB   int
	Environment     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AppEnvVar stores an encrypted environment variable for an app.
type AppEnvVar struct {
	AppID     string
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// DomainBinding maps a hostname to an app. At most one binding per app is
// primary; when any bindings exist, exactly one must be primary.
type DomainBinding struct {
	AppID       string
	Hostname    string
	IsPrimary   bool
	RedirectWWW bool
	Position    int
	CreatedAt   time.Time
}
