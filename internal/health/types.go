package health

import "time"

const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"
	StatusError   = "error"
	StatusUnknown = "unknown"
)

const (
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

type ComponentHealth struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	HealthScore int                `json:"health_score"`
	LastCheck   time.Time          `json:"last_check"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`

	// lastErr carries the probe failure into error pattern tracking; it
	// is not part of the serialized view.
	lastErr string
}

// SystemHealth is derived on read from the current component set; it is
// never stored.
type SystemHealth struct {
	Status     string                     `json:"status"`
	Uptime     time.Duration              `json:"uptime"`
	LastCheck  time.Time                  `json:"last_check"`
	Components map[string]ComponentHealth `json:"components"`
}

type Alert struct {
	ID        string                 `json:"id"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorPattern aggregates repeated identical failures: keyed by
// (component, message), only the count and last occurrence move.
type ErrorPattern struct {
	ID              string    `json:"id"`
	Component       string    `json:"component"`
	Message         string    `json:"message"`
	Count           int       `json:"count"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`
	// Pattern is the stable component:message key operators can group
	// and filter on across restarts (the id is regenerated each run).
	Pattern string `json:"pattern"`
}

type SystemSample struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	NetworkBytes  float64   `json:"network_bytes"`
	Timestamp     time.Time `json:"timestamp"`
}

// scoreToStatus maps an aggregate 0..100 score onto the documented bands.
func scoreToStatus(score float64) string {
	switch {
	case score >= 90:
		return StatusHealthy
	case score >= 70:
		return StatusWarning
	case score >= 30:
		return StatusError
	default:
		return StatusUnknown
	}
}

// latencyBands converts a probe round-trip into status and score:
// under 100ms healthy/100, under 500ms warning/75, else error/25.
func latencyBands(latency time.Duration) (string, int) {
	switch {
	case latency < 100*time.Millisecond:
		return StatusHealthy, 100
	case latency < 500*time.Millisecond:
		return StatusWarning, 75
	default:
		return StatusError, 25
	}
}

// utilizationBands converts a percentage into status and score: under 70%
// healthy, under 90% warning, else error.
func utilizationBands(pct float64) (string, int) {
	switch {
	case pct < 70:
		return StatusHealthy, 100
	case pct < 90:
		return StatusWarning, 75
	default:
		return StatusError, 25
	}
}
