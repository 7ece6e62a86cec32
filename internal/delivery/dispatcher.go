package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/echodiary/echodiary/internal/brain"
	"github.com/echodiary/echodiary/internal/lifecycle"
	"github.com/echodiary/echodiary/internal/modes"
	"github.com/echodiary/echodiary/internal/observability"
	"github.com/echodiary/echodiary/internal/store"
)

// Sender delivers one check-in message over its channel (sms, call) and
// returns a provider reference for the delivery.
type Sender interface {
	Send(ctx context.Context, checkin store.CheckIn, message string) (deliveryRef string, err error)
}

// LogSender is the local stand-in for a messaging provider.
type LogSender struct{}

func (LogSender) Send(_ context.Context, checkin store.CheckIn, message string) (string, error) {
	log.Printf("delivery: [%s] to user %s: %s", checkin.Channel, checkin.UserID, message)
	return fmt.Sprintf("log-%s", checkin.ID), nil
}

// Dispatcher periodically sweeps due check-ins and delivers them. A claim
// in the store guards each check-in, so running several dispatchers is safe.
type Dispatcher struct {
	store   store.Store
	brain   brain.Adapter
	sender  Sender
	bus     *lifecycle.Bus
	metrics *observability.Metrics
	batch   int

	cronSpec string
	cron     *cron.Cron
}

func NewDispatcher(st store.Store, adapter brain.Adapter, sender Sender, bus *lifecycle.Bus, metrics *observability.Metrics, cronSpec string, batch int) *Dispatcher {
	if cronSpec == "" {
		cronSpec = "@every 15m"
	}
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		store:    st,
		brain:    adapter,
		sender:   sender,
		bus:      bus,
		metrics:  metrics,
		batch:    batch,
		cronSpec: cronSpec,
	}
}

// Start schedules the periodic sweep.
func (d *Dispatcher) Start() error {
	c := cron.New()
	_, err := c.AddFunc(d.cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := d.RunOnce(ctx); err != nil {
			log.Printf("delivery: sweep: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule check-in sweep: %w", err)
	}
	c.Start()
	d.cron = c
	return nil
}

func (d *Dispatcher) Stop() {
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
}

// RunOnce dispatches one batch of due check-ins and reports how many were
// sent. It is also exposed through the API for manual triggering.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := d.store.DueCheckIns(ctx, now, d.batch)
	if err != nil {
		return 0, fmt.Errorf("load due check-ins: %w", err)
	}

	sent := 0
	for _, checkin := range due {
		claimed, err := d.store.ClaimCheckIn(ctx, checkin.ID, now)
		if err != nil {
			log.Printf("delivery: claim %s: %v", checkin.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		if d.dispatch(ctx, checkin) {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, checkin store.CheckIn) bool {
	message := d.composeMessage(ctx, checkin)

	ref, err := d.sender.Send(ctx, checkin, message)
	if err != nil {
		log.Printf("delivery: send %s: %v", checkin.ID, err)
		d.metrics.CheckinsDispatched.WithLabelValues("failed").Inc()
		if err := d.store.FinishCheckIn(ctx, checkin.ID, store.CheckInFailed, message, "", false); err != nil {
			log.Printf("delivery: record failure %s: %v", checkin.ID, err)
		}
		return false
	}

	d.metrics.CheckinsDispatched.WithLabelValues("completed").Inc()
	if err := d.store.FinishCheckIn(ctx, checkin.ID, store.CheckInCompleted, message, ref, true); err != nil {
		log.Printf("delivery: record completion %s: %v", checkin.ID, err)
	}
	d.bus.Publish(lifecycle.Event{
		Type:   lifecycle.EventCheckinDispatched,
		UserID: checkin.UserID,
		CallID: checkin.CallID,
		Detail: checkin.ID,
	})
	return true
}

// composeMessage asks the collaborator for a short personal follow-up in
// the user's preferred mode, with a canned line as the offline fallback.
func (d *Dispatcher) composeMessage(ctx context.Context, checkin store.CheckIn) string {
	mode := modes.ModeReassure
	user, err := d.store.GetUser(ctx, checkin.UserID)
	if err == nil && user.PreferredMode.Valid() {
		mode = user.PreferredMode
	}

	prompt := "Yesterday's conversation suggested a rough day. Write one short, warm check-in message asking how things are today."
	if checkin.Reason != "" {
		prompt = fmt.Sprintf("A check-in was scheduled because: %s. Write one short, warm message asking how things are today.", checkin.Reason)
	}
	message, err := d.brain.Reply(ctx, mode, nil, prompt)
	if err != nil || message == "" {
		d.metrics.CollaboratorErrors.WithLabelValues("reply", "checkin_fallback").Inc()
		return "Hey, just checking in. How are you feeling today?"
	}
	return message
}
