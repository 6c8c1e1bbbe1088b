package rlog

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBufferedColorLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(newColorHandler(buf, slog.LevelDebug))
}

func TestColorHandlerTintsBySeverity(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferedColorLogger(&buf)

	log.Error("ledger write failed")
	require.Contains(t, buf.String(), ansiRed+"ledger write failed"+ansiReset)

	buf.Reset()
	log.Warn("slow run")
	require.Contains(t, buf.String(), ansiYellow+"slow run"+ansiReset)

	buf.Reset()
	log.Debug("poll tick")
	require.Contains(t, buf.String(), ansiDim+"poll tick"+ansiReset)
}

func TestColorHandlerPromotesErrorAndReasonAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferedColorLogger(&buf)

	// An info-level record carrying an error attribute reads as a failure.
	log.Info("telemetry report dropped", "error", "connection refused")
	require.Contains(t, buf.String(), ansiRed+"telemetry report dropped"+ansiReset)

	buf.Reset()
	// A dependency skip carries a reason and reads as a warning.
	log.Info("skipping job, dependency not satisfied", "app_name", "b", "reason", "dep errored last time")
	require.Contains(t, buf.String(), ansiYellow+"skipping job, dependency not satisfied"+ansiReset)
	require.Contains(t, buf.String(), "app_name=b")
	require.Contains(t, buf.String(), "reason=dep errored last time")
}

func TestColorHandlerCarriesWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := newBufferedColorLogger(&buf).With("app_name", "nightly-vacuum")

	log.Info("run complete")
	require.Contains(t, buf.String(), "app_name=nightly-vacuum")
}

func TestLevelParsing(t *testing.T) {
	require.Equal(t, slog.LevelDebug, Config{Level: "debug"}.level())
	require.Equal(t, slog.LevelWarn, Config{Level: "warning"}.level())
	require.Equal(t, slog.LevelError, Config{Level: "error"}.level())
	require.Equal(t, slog.LevelInfo, Config{Level: ""}.level())
}

func TestFanoutHandlerDispatchesToAllSinks(t *testing.T) {
	var a, b bytes.Buffer
	h := &fanoutHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}}
	log := slog.New(h)
	log.Info("run complete", "app_name", "x")

	require.True(t, strings.Contains(a.String(), "run complete"))
	require.True(t, strings.Contains(b.String(), `"app_name":"x"`))
	require.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	require.False(t, h.Enabled(context.Background(), slog.LevelDebug))
}
