package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Scheduler task types served by this package.
const (
	TaskBroadcastTemplate = "broadcast_template"
	TaskBroadcastEvent    = "broadcast_event"
)

// broadcastTaskConfig is the JSON config of a broadcast scheduler row.
type broadcastTaskConfig struct {
	Template string                 `mapstructure:"template"`
	Event    string                 `mapstructure:"event"`
	Vars     map[string]interface{} `mapstructure:"vars"`
	// StartAt holds the row back until the given time, in any format
	// dateparse understands.
	StartAt string `mapstructure:"start_at"`
}

func decodeTaskConfig(raw string) (*broadcastTaskConfig, error) {
	var cfg broadcastTaskConfig
	if strings.TrimSpace(raw) == "" {
		return &cfg, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errors.Wrap(err, "invalid task config")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, errors.Wrap(err, "invalid task config")
	}
	return &cfg, nil
}

// notBefore reports the time a row may first run, zero when unrestricted.
func (c *broadcastTaskConfig) notBefore() (time.Time, error) {
	if strings.TrimSpace(c.StartAt) == "" {
		return time.Time{}, nil
	}
	t, err := dateparse.ParseIn(c.StartAt, time.Local)
	return t, errors.Wrapf(err, "invalid start_at %q", c.StartAt)
}

// RegisterTasks contributes the broadcast task types to reg.
func RegisterTasks(reg app.TaskRegistry, d *Dispatcher) {
	reg.RegisterTask(TaskBroadcastTemplate, func(ctx context.Context, sched *domain.NotifyScheduler) (string, error) {
		cfg, wait, err := prepareTask(sched)
		if err != nil || wait != "" {
			return wait, err
		}
		if cfg.Template == "" {
			return "", errors.New("config.template is required")
		}
		return reportMessage(d.BroadcastNamedTemplate(ctx, cfg.Template, cfg.Vars))
	})
	reg.RegisterTask(TaskBroadcastEvent, func(ctx context.Context, sched *domain.NotifyScheduler) (string, error) {
		cfg, wait, err := prepareTask(sched)
		if err != nil || wait != "" {
			return wait, err
		}
		if cfg.Event == "" {
			return "", errors.New("config.event is required")
		}
		return reportMessage(d.BroadcastSystemEventTemplate(ctx, cfg.Event, cfg.Vars))
	})
}

func prepareTask(sched *domain.NotifyScheduler) (*broadcastTaskConfig, string, error) {
	cfg, err := decodeTaskConfig(sched.Config)
	if err != nil {
		return nil, "", err
	}
	start, err := cfg.notBefore()
	if err != nil {
		return nil, "", err
	}
	if !start.IsZero() && time.Now().Before(start) {
		return cfg, "waiting until " + start.Format(time.RFC3339), nil
	}
	return cfg, "", nil
}

func reportMessage(r BroadcastReport) (string, error) {
	if r.Error != KindNone {
		return "", errors.New(string(r.Error))
	}
	msg := fmt.Sprintf("attempted=%d succeeded=%d", r.Attempted, r.Succeeded)
	kinds := make([]string, 0, len(r.Failures))
	for kind := range r.Failures {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		msg += fmt.Sprintf(" %s=%d", kind, r.Failures[ErrorKind(kind)])
	}
	return msg, nil
}
