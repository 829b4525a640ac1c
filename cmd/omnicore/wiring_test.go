package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/web"
	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/healthcheck"
	"github.com/memohai/omnicore/internal/logger"
	"github.com/memohai/omnicore/internal/retryqueue"
	"github.com/memohai/omnicore/internal/scoring"
)

func TestBuildRegistryDefaults(t *testing.T) {
	registry, err := buildRegistry(logger.L, config.Config{}, web.NewMemoryHub(), nil)
	require.NoError(t, err)
	assert.Equal(t, []channel.ChannelType{channel.Web}, registry.Types())
}

func TestBuildRegistryConfiguredChannels(t *testing.T) {
	cfg := config.Config{
		WhatsApp:  config.TwilioConfig{AccountSID: "AC1", AuthToken: "token"},
		SMS:       config.TwilioConfig{AccountSID: "AC1", AuthToken: "token"},
		Instagram: config.InstagramConfig{VerifyToken: "verify"},
		Email:     config.EmailConfig{Provider: "SMTP", From: "clinic@example.com", SMTPHost: "smtp.example.com"},
	}
	registry, err := buildRegistry(logger.L, cfg, web.NewMemoryHub(), nil)
	require.NoError(t, err)
	for _, ct := range []channel.ChannelType{channel.Web, channel.WhatsApp, channel.SMS, channel.Instagram, channel.Email} {
		_, ok := registry.Get(ct)
		assert.True(t, ok, ct)
	}
	_, ok := registry.Get(channel.Telegram)
	assert.False(t, ok)
}

func TestBuildRegistryRejectsUnknownEmailProvider(t *testing.T) {
	_, err := buildRegistry(logger.L, config.Config{Email: config.EmailConfig{Provider: "pigeon"}}, web.NewMemoryHub(), nil)
	assert.ErrorContains(t, err, "unsupported email provider")
}

func TestOpenPublishersWithoutAMQP(t *testing.T) {
	pubs, closeFn, err := openPublishers(context.Background(), logger.L, config.AMQPConfig{})
	require.NoError(t, err)
	assert.NotNil(t, pubs.CRM)
	assert.NotNil(t, pubs.Alerts)
	assert.NoError(t, closeFn())
}

func TestDeferredSenderBeforeWiring(t *testing.T) {
	res := (&deferredSender{}).Redeliver(context.Background(), retryqueue.Delivery{ID: "q-1"})
	assert.False(t, res.OK)
	assert.Equal(t, channel.ErrorKindTransient, res.ErrorKind)
}

func TestScoreCommand(t *testing.T) {
	var out bytes.Buffer
	scoreCmd.SetOut(&out)
	scoreCmd.SetArgs([]string{"--phone", "+447700900123", "How much are veneers?"})
	require.NoError(t, scoreCmd.Execute())

	var res scoring.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, scoring.TreatmentVeneers, res.Treatment)
	assert.Positive(t, res.Score)
	assert.NotEmpty(t, res.Reasons)
}

func TestBacklogCheck(t *testing.T) {
	assert.Equal(t, healthcheck.StatusOK, backlogCheck(10, 256).Status)
	assert.Equal(t, healthcheck.StatusWarn, backlogCheck(192, 256).Status)
	assert.Equal(t, healthcheck.StatusOK, backlogCheck(0, 0).Status)
}

type slowWaiter struct {
	release chan struct{}
}

func (w slowWaiter) Wait() { <-w.release }

func TestWaitOnStopRunsBeforeEarlierHooks(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	var order []string
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		order = append(order, "db closed")
		return nil
	}})
	w := slowWaiter{release: make(chan struct{})}
	lc.Append(waitOnStop(w))
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		go func() {
			order = append(order, "scoring finished")
			close(w.release)
		}()
		return nil
	}})
	lc.RequireStart().RequireStop()
	assert.Equal(t, []string{"scoring finished", "db closed"}, order)
}

func TestWaitOnStopGivesUpAtDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := slowWaiter{release: make(chan struct{})}
	defer close(w.release)
	hook := waitOnStop(w)
	assert.ErrorIs(t, hook.OnStop(ctx), context.Canceled)
}
