// Package statushttp serves a small read-only JSON API over a party's
// channel set, for dashboards and operational checks.
package statushttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/customer"
	"github.com/zkchannels/zkchannel/logger"
	"github.com/zkchannels/zkchannel/merchant"
)

// Summary is the per-channel row the API serves.
type Summary struct {
	ID              string        `json:"id"`
	Label           string        `json:"label,omitempty"`
	ContractID      string        `json:"contract_id,omitempty"`
	Status          string        `json:"status"`
	CustomerBalance amount.Amount `json:"customer_balance"`
	MerchantBalance amount.Amount `json:"merchant_balance"`
}

// Source lists the channels the API serves.
type Source interface {
	Summaries() ([]Summary, error)
}

// CustomerSource adapts a customer store to a Source.
func CustomerSource(store customer.Store) Source { return customerSource{store} }

type customerSource struct {
	store customer.Store
}

func (s customerSource) Summaries() ([]Summary, error) {
	records, err := s.store.Channels()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(records))
	for _, r := range records {
		out = append(out, Summary{
			ID:              r.ChannelID.String(),
			Label:           r.Label,
			ContractID:      string(r.ContractID),
			Status:          string(r.Status),
			CustomerBalance: r.State.Balances.Customer,
			MerchantBalance: r.State.Balances.Merchant,
		})
	}
	return out, nil
}

// MerchantSource adapts a merchant store to a Source.
func MerchantSource(store merchant.Store) Source { return merchantSource{store} }

type merchantSource struct {
	store merchant.Store
}

func (s merchantSource) Summaries() ([]Summary, error) {
	records, err := s.store.Channels()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(records))
	for _, r := range records {
		out = append(out, Summary{
			ID:              r.ChannelID.String(),
			ContractID:      string(r.ContractID),
			Status:          string(r.Status),
			CustomerBalance: r.Balances.Customer,
			MerchantBalance: r.Balances.Merchant,
		})
	}
	return out, nil
}

// Handler returns the status API router.
func Handler(source Source, log *zerolog.Logger) http.Handler {
	srv := &server{source: source}
	if log != nil {
		srv.log = *log
	} else {
		srv.log = logger.Logger().With().Str("component", "statushttp").Logger()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", srv.health)
	r.Get("/channels", srv.channels)
	r.Get("/channels/{id}", srv.channel)
	return cors.AllowAll().Handler(r)
}

type server struct {
	source Source
	log    zerolog.Logger
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) channels(w http.ResponseWriter, _ *http.Request) {
	summaries, err := s.source.Summaries()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *server) channel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	summaries, err := s.source.Summaries()
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, summary := range summaries {
		if summary.ID == id || (summary.Label != "" && summary.Label == id) {
			s.writeJSON(w, http.StatusOK, summary)
			return
		}
	}
	s.writeError(w, errNotFound)
}

var errNotFound = errors.New("channel not found")

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, errNotFound) {
		status = http.StatusNotFound
	} else {
		s.log.Error().Err(err).Msg("status request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encoding response")
	}
}
