package handler

import (
	"net/http"

	"github.com/alanyoungcy/poolsniper/internal/detector"
	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/executor"
	"github.com/alanyoungcy/poolsniper/internal/ingest"
)

// Status is the document served by GET /status. Sections for components
// that are not running in the current mode are omitted.
type Status struct {
	BotStatus          string  `json:"bot_status"`
	Mode               string  `json:"mode"`
	Version            string  `json:"version"`
	Uptime             string  `json:"uptime"`
	SlippageBps        int     `json:"slippage_bps"`
	MaxSlippageBps     int     `json:"max_slippage_bps"`
	MinProfitThreshold float64 `json:"min_profit_threshold"`
	MaxPositionSize    float64 `json:"max_position_size"`
	ExecutionTimeout   string  `json:"execution_timeout"`
	AutoExecute        bool    `json:"auto_execute"`
	DryRun             bool    `json:"dry_run"`

	Queue            *ingest.QueueStats                `json:"queue,omitempty"`
	Registry         *domain.RegistryStats             `json:"registry,omitempty"`
	Ingest           map[string]ingest.CounterSnapshot `json:"ingest,omitempty"`
	Detector         *detector.Stats                   `json:"detector,omitempty"`
	Execution        *executor.Stats                   `json:"execution,omitempty"`
	RecentRejections []executor.Rejection              `json:"recent_rejections,omitempty"`
}

// StatusHandler serves the runtime status.
type StatusHandler struct {
	report func() Status
}

// NewStatusHandler creates a StatusHandler. report is called per request.
func NewStatusHandler(report func() Status) *StatusHandler {
	return &StatusHandler{report: report}
}

// GetStatus responds with the current configuration and counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.report())
}
