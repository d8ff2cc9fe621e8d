package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/config"
	"github.com/remote-agent-terminal/sessionhub/internal/logger"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/pkg/sessionhub"
)

// session is one running hub plus the optional transcript and metrics
// server around it.
type session struct {
	cfg         *config.Config
	log         zerolog.Logger
	hub         *sessionhub.Hub
	descriptors []model.ChannelDescriptor
	transcript  *logger.Transcript
	metrics     *http.Server
}

// descriptors merges the configured channels with --agent flags. Flag
// agents get the next free channel ids.
func descriptors(cfg *config.Config, flagAgents []string) []model.ChannelDescriptor {
	out := append([]model.ChannelDescriptor(nil), cfg.Channels...)

	next := model.ChannelID(1)
	for _, d := range out {
		if d.ChannelID >= next {
			next = d.ChannelID + 1
		}
	}
	for _, agent := range flagAgents {
		out = append(out, model.ChannelDescriptor{ChannelID: next, Agent: agent})
		next++
	}
	return out
}

func openSession() (*session, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if endpoint != "" {
		cfg.Hub.Endpoint = endpoint
	}
	if participant != "" {
		cfg.Hub.ParticipantID = participant
	}
	if cfg.Hub.ParticipantID == "" {
		return nil, errors.New("participant id is required (--participant or hub.participant_id)")
	}

	descs := descriptors(cfg, agents)
	if len(descs) == 0 {
		return nil, errors.New("no channels configured (use --agent or [[channels]])")
	}

	log := logger.New(cfg.Logging)
	s := &session{
		cfg:         cfg,
		log:         log,
		hub:         sessionhub.New(cfg.HubConfig(), logger.Component(log, "hub")),
		descriptors: descs,
	}

	addr := metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		s.serveMetrics(addr)
	}

	if transcriptPath != "" {
		t, err := logger.NewTranscript(transcriptPath)
		if err != nil {
			s.close()
			return nil, err
		}
		if err := t.WriteHeader(descs); err != nil {
			t.Close()
			s.close()
			return nil, err
		}
		s.transcript = t
		sessionhub.OnMessage(s.hub, func(m sessionhub.Message) {
			if err := t.WriteMessage(m); err != nil {
				log.Warn().Err(err).Msg("transcript write failed")
			}
		})
	}

	return s, nil
}

func (s *session) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
}

// connect initializes the hub and reports per-channel failures on w.
func (s *session) connect(ctx context.Context, w io.Writer) *sessionhub.InitResult {
	result := s.hub.Initialize(ctx, s.cfg.Settings(), s.descriptors)
	for id, err := range result.Failed {
		fmt.Fprintf(w, "channel %d: %v\n", id, err)
	}
	for _, id := range result.Skipped {
		fmt.Fprintf(w, "channel %d: skipped (no agent)\n", id)
	}
	return result
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.hub.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("disconnect failed")
	}
	if s.transcript != nil {
		s.transcript.Close()
	}
	if s.metrics != nil {
		s.metrics.Shutdown(ctx)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatMessage(m model.Message) string {
	arrow := "<"
	switch m.Direction {
	case model.DirectionInbound:
		arrow = ">"
	case model.DirectionHandover:
		arrow = "~"
	}
	return fmt.Sprintf("[%s] #%d %s %s", m.CreatedAt.Local().Format(time.Kitchen), m.ChannelID, arrow, m.Content)
}
