package statushttp

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"klinevault/internal/checkpoint"
	"klinevault/internal/market"
	"klinevault/internal/persist"
	"klinevault/internal/pkg/circuit"

	"github.com/gin-gonic/gin"
)

type handlers struct {
	progress   Progress
	runs       Runs
	seriesPath func(market.Pair) string
	breakers   []*circuit.CircuitBreaker
}

// handleStatus returns the checkpoint snapshot; ?state= filters by state.
func (h *handlers) handleStatus(c *gin.Context) {
	filter := checkpoint.State(strings.TrimSpace(c.Query("state")))
	pairs := h.progress.Snapshot()
	if filter != "" {
		kept := pairs[:0]
		for _, st := range pairs {
			if st.State == filter {
				kept = append(kept, st)
			}
		}
		pairs = kept
	}
	breakers := make([]circuit.Snapshot, 0, len(h.breakers))
	for _, cb := range h.breakers {
		breakers = append(breakers, cb.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":   h.progress.RunID(),
		"running":  h.runs.Running(),
		"counts":   h.progress.Counts(),
		"pairs":    pairs,
		"breakers": breakers,
	})
}

func (h *handlers) handleSummary(c *gin.Context) {
	summary, ok := h.runs.LastSummary()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no finished run yet"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// handleSeries describes the persisted file of ?pair=spot:BTCUSDT@1h.
func (h *handlers) handleSeries(c *gin.Context) {
	pair, err := market.ParsePairKey(c.Query("pair"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	series, err := persist.Load(h.seriesPath(pair))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	out := gin.H{
		"pair":   pair.Key(),
		"layout": series.Layout.String(),
		"bars":   series.Len(),
	}
	if n := series.Len(); n > 0 {
		out["first_open_time"] = series.Candles[0].OpenTime
		out["last_open_time"] = series.Candles[n-1].OpenTime
	}
	provenance := map[string]int{}
	for prov, n := range series.CountByProvenance() {
		provenance[prov.String()] = n
	}
	out["provenance"] = provenance
	c.JSON(http.StatusOK, out)
}
