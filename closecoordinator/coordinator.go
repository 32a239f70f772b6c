// Package closecoordinator tracks pending `close` RPC commands against
// channels and resolves them exactly once, however the channel eventually
// finishes closing (spec §4.6).
package closecoordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/lightningd-go/lightningd/channel"
)

// Result is the value a close command completes with: the final
// transaction, its id, and whether the close was mutual or unilateral.
type Result struct {
	TxHex string
	TxID  string
	Type  string
}

// Command is the pending RPC awaiting a close outcome. Complete is
// invoked exactly once, either with a Result or with an error.
type Command struct {
	Complete func(res *Result, err error)
}

// ChannelFailer permanently fails a channel, driving it to chain. Used by
// the force-timeout path.
type ChannelFailer interface {
	FailPermanent(ch *channel.Channel, reason string)
}

// Logger is the narrow interface this package needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Record is one registered close command, parented to the channel it is
// waiting on. Exactly one of three paths resolves a Record: Resolve,
// ChannelDestroyed, or the force timeout (spec §4.6 invariant).
type Record struct {
	mu      sync.Mutex
	cmd     *Command
	channel *channel.Channel
	chanID  string
	force   bool
	timer   *time.Timer

	completeOnce sync.Once
	detachOnce   sync.Once
}

// Coordinator is the registry of pending close commands (spec §4.6).
type Coordinator struct {
	mu        sync.Mutex
	byChannel map[string][]*Record

	failer ChannelFailer
	log    Logger
}

// New builds an empty Coordinator.
func New(failer ChannelFailer, log Logger) *Coordinator {
	return &Coordinator{
		byChannel: make(map[string][]*Record),
		failer:    failer,
		log:       log,
	}
}

// Register attaches cmd to ch: a destructor on the record removes it from
// the global list and the channel's destroy-callback slot; a destructor
// on the channel nulls the record's channel pointer and fails the command
// if the channel vanishes first; a one-shot timer enforces timeoutSeconds.
func (c *Coordinator) Register(cmd *Command, ch *channel.Channel, timeoutSeconds int, force bool) *Record {
	chanID := chanIDHex(ch)

	rec := &Record{
		cmd:     cmd,
		channel: ch,
		chanID:  chanID,
		force:   force,
	}

	c.mu.Lock()
	c.byChannel[chanID] = append(c.byChannel[chanID], rec)
	c.mu.Unlock()

	rec.timer = time.AfterFunc(time.Duration(timeoutSeconds)*time.Second, func() {
		c.onTimeout(rec)
	})

	return rec
}

// Resolve completes every record pending against ch with a success
// result built from outcome, and detaches them.
func (c *Coordinator) Resolve(ch *channel.Channel, outcome *channel.Outcome) {
	chanID := chanIDHex(ch)

	for _, rec := range c.take(chanID) {
		rec.complete(&Result{
			TxHex: outcome.TxHex,
			TxID:  fmt.Sprintf("%x", outcome.TxID),
			Type:  outcome.Type,
		}, nil)
		c.detach(rec)
	}
}

// ChannelDestroyed fails every record still pending against ch with
// "Channel forgotten before proper close", and detaches them. Must be
// called before a channel's memory is released (spec invariant: weak
// back-references — destroying a peer/channel must not require valid
// close-command pointers).
func (c *Coordinator) ChannelDestroyed(ch *channel.Channel) {
	chanID := chanIDHex(ch)

	for _, rec := range c.take(chanID) {
		rec.mu.Lock()
		rec.channel = nil
		rec.mu.Unlock()

		rec.complete(nil, fmt.Errorf("Channel forgotten before proper close"))
		c.detach(rec)
	}
}

// onTimeout implements close_command_timeout (spec §4.6): if force was
// set, permanently fail the channel (which eventually resolves this
// record through drop_to_chain); otherwise fail the command and leave
// the channel's own close negotiation running.
func (c *Coordinator) onTimeout(rec *Record) {
	rec.mu.Lock()
	ch := rec.channel
	force := rec.force
	rec.mu.Unlock()

	if ch == nil {
		// Already detached by another path; nothing left to do.
		return
	}

	if force {
		c.log.Infof("close command for channel %s timed out, forcing", rec.chanID)
		c.failer.FailPermanent(ch, "Forcibly closed by 'close' command timeout")
		return
	}

	c.log.Infof("close command for channel %s timed out, channel continues closing", rec.chanID)
	rec.complete(nil, fmt.Errorf("Channel close negotiation not finished before timeout"))
	c.detach(rec)
}

// take removes and returns every record pending against chanID.
func (c *Coordinator) take(chanID string) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	recs := c.byChannel[chanID]
	delete(c.byChannel, chanID)
	return recs
}

// detach idempotently removes rec from the global list (a no-op if take
// already removed its whole bucket) and stops its timer.
func (c *Coordinator) detach(rec *Record) {
	rec.detachOnce.Do(func() {
		if rec.timer != nil {
			rec.timer.Stop()
		}

		c.mu.Lock()
		recs := c.byChannel[rec.chanID]
		for i, cand := range recs {
			if cand == rec {
				c.byChannel[rec.chanID] = append(recs[:i], recs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	})
}

// complete runs cmd.Complete exactly once, guaranteeing the three
// terminating paths (success, destroy-on-channel, timeout-no-force) are
// mutually exclusive even under reentrant destructor order.
func (rec *Record) complete(res *Result, err error) {
	rec.completeOnce.Do(func() {
		rec.cmd.Complete(res, err)
	})
}

func chanIDHex(ch *channel.Channel) string {
	id := ch.Funding.ChannelID()
	return fmt.Sprintf("%x", id)
}
