package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// InfoHandler serves the public arena read views. The figures are fixed
// until the arena contracts expose them; responses are cached per route.
type InfoHandler struct {
	now func() time.Time
}

func NewInfoHandler() *InfoHandler {
	return &InfoHandler{now: time.Now}
}

type oracleYield struct {
	Protocol        string    `json:"protocol"`
	CurrentAPY      float64   `json:"current_apy"`
	BaseRate        float64   `json:"base_rate"`
	SurgeMultiplier float64   `json:"surge_multiplier"`
	Asset           string    `json:"asset"`
	Network         string    `json:"network"`
	LastUpdated     time.Time `json:"last_updated"`
}

type arenaStats struct {
	ArenaID       string    `json:"arena_id"`
	CurrentPot    float64   `json:"current_pot"`
	PlayerCount   int       `json:"player_count"`
	SurvivorCount int       `json:"survivor_count"`
	CurrentRound  int       `json:"current_round"`
	EntryFee      float64   `json:"entry_fee"`
	YieldAccrued  float64   `json:"yield_accrued"`
	Status        string    `json:"status"`
	LastUpdated   time.Time `json:"last_updated"`
}

type leaderboardEntry struct {
	Rank           int     `json:"rank"`
	Address        string  `json:"address"`
	SurvivalStreak int     `json:"survival_streak"`
	TotalYield     float64 `json:"total_yield"`
	ArenasWon      int     `json:"arenas_won"`
}

type leaderboard struct {
	Players      []leaderboardEntry `json:"players"`
	TotalPlayers int                `json:"total_players"`
	LastUpdated  time.Time          `json:"last_updated"`
}

// OracleYield handles GET /oracle/yield.
func (h *InfoHandler) OracleYield(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, oracleYield{
		Protocol:        "Ondo USDY",
		CurrentAPY:      5.25,
		BaseRate:        4.8,
		SurgeMultiplier: 1.0,
		Asset:           "USDY",
		Network:         "stellar",
		LastUpdated:     h.now().UTC(),
	})
}

// ArenaStats handles GET /arenas/{id}/stats.
func (h *InfoHandler) ArenaStats(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" || len(id) > 64 {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-arena-id", "Invalid arena ID")
		return
	}
	RespondJSON(w, http.StatusOK, arenaStats{
		ArenaID:       id,
		CurrentPot:    25000,
		PlayerCount:   128,
		SurvivorCount: 64,
		CurrentRound:  3,
		EntryFee:      100,
		YieldAccrued:  542.5,
		Status:        "active",
		LastUpdated:   h.now().UTC(),
	})
}

// Leaderboard handles GET /leaderboard.
func (h *InfoHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, leaderboard{
		Players: []leaderboardEntry{
			{Rank: 1, Address: "GABCD...XYZ", SurvivalStreak: 12, TotalYield: 4250.0, ArenasWon: 8},
			{Rank: 2, Address: "GEFGH...UVW", SurvivalStreak: 10, TotalYield: 3800.5, ArenasWon: 6},
			{Rank: 3, Address: "GIJKL...RST", SurvivalStreak: 9, TotalYield: 3200.0, ArenasWon: 5},
		},
		TotalPlayers: 1024,
		LastUpdated:  h.now().UTC(),
	})
}
