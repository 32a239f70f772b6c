package fundingwatcher

import (
	"fmt"
	"sync"

	"github.com/lightningd-go/lightningd/channel"
)

// Logger is the narrow interface this package needs, kept local to avoid an
// import on the logging package.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ChannelFailer drives the channel state machine's two failure modes
// (spec §4.4).
type ChannelFailer interface {
	FailPermanent(ch *channel.Channel, reason string)
	FailTransient(ch *channel.Channel, reason string)
}

// WorkerNotifier delivers a funding-depth update to a channel's running
// worker. It returns false if the worker isn't ready yet, in which case the
// watcher must keep watching and retry on the next block (spec §4.7).
type WorkerNotifier interface {
	NotifyDepth(ch *channel.Channel, depth uint32) bool
}

// OnchainResolver takes over once a channel's funding output has been
// spent (spec §6.5).
type OnchainResolver interface {
	HandleSpend(ch *channel.Channel, detail *SpendDetail)
}

// Locator resolves a confirmed transaction's position in the chain, needed
// to form a short-channel-id.
type Locator interface {
	LocateTx(txid [32]byte) (blockHeight uint32, txIndex uint32, err error)
}

// Watcher tracks every channel's funding outpoint from broadcast through
// burial and, eventually, spend (spec §4.7).
type Watcher struct {
	notifier         ChainNotifier
	failer           ChannelFailer
	workers          WorkerNotifier
	resolver         OnchainResolver
	locator          Locator
	announceMinDepth uint32
	log              Logger

	wg   sync.WaitGroup
	quit chan struct{}
}

// New builds a Watcher. announceMinDepth is the depth at which the watcher
// stops tracking further confirmations for gossip-announcement purposes
// (ANNOUNCE_MIN_DEPTH).
func New(notifier ChainNotifier, failer ChannelFailer, workers WorkerNotifier,
	resolver OnchainResolver, locator Locator, announceMinDepth uint32,
	log Logger) *Watcher {

	return &Watcher{
		notifier:         notifier,
		failer:           failer,
		workers:          workers,
		resolver:         resolver,
		locator:          locator,
		announceMinDepth: announceMinDepth,
		log:              log,
		quit:             make(chan struct{}),
	}
}

// Stop tears down every in-flight watch goroutine.
func (w *Watcher) Stop() {
	close(w.quit)
	w.wg.Wait()
}

// WatchFunding registers the pair of callbacks on ch's funding outpoint
// described in spec §4.7: a depth callback and a spend callback.
func (w *Watcher) WatchFunding(ch *channel.Channel) error {
	confEvent, err := w.notifier.RegisterConfirmationsNtfn(
		&ch.Funding.TxID, ch.MinDepth,
	)
	if err != nil {
		return fmt.Errorf("register confirmation ntfn: %w", err)
	}

	outpoint := ch.Funding.Wire()
	spendEvent, err := w.notifier.RegisterSpendNtfn(&outpoint)
	if err != nil {
		return fmt.Errorf("register spend ntfn: %w", err)
	}

	w.wg.Add(2)
	go w.watchDepth(ch, confEvent)
	go w.watchSpend(ch, spendEvent)
	return nil
}

func (w *Watcher) watchDepth(ch *channel.Channel, confEvent *ConfirmationEvent) {
	defer w.wg.Done()

	select {
	case depth, ok := <-confEvent.Confirmed:
		if !ok {
			return
		}
		w.trackDepth(ch, depth)

	case depth, ok := <-confEvent.NegativeConf:
		if !ok {
			return
		}
		w.failer.FailTransient(ch, fmt.Sprintf(
			"funding transaction reorged out, depth now %d", depth))

	case <-w.quit:
	}
}

// trackDepth handles the first confirmation signal and, if the channel
// keeps watching, spins up block-epoch tracking to observe further depth.
func (w *Watcher) trackDepth(ch *channel.Channel, depth uint32) {
	if !w.onDepth(ch, depth) {
		return
	}

	epochEvent, err := w.notifier.RegisterBlockEpochNtfn()
	if err != nil {
		w.log.Errorf("unable to watch further blocks for channel %x: %v",
			ch.Funding.ChannelID(), err)
		return
	}

	w.wg.Add(1)
	go w.watchBlocks(ch, depth, epochEvent)
}

func (w *Watcher) watchBlocks(ch *channel.Channel, depth uint32, epochEvent *BlockEpochEvent) {
	defer w.wg.Done()

	for {
		select {
		case _, ok := <-epochEvent.Epochs:
			if !ok {
				return
			}
			depth++
			if !w.onDepth(ch, depth) {
				return
			}

		case <-w.quit:
			return
		}
	}
}

// onDepth implements the depth-callback logic of spec §4.7 verbatim. It
// returns true for KEEP_WATCHING, false for DELETE_WATCH.
func (w *Watcher) onDepth(ch *channel.Channel, depth uint32) bool {
	haveShortID := ch.ShortChanID != nil

	reorgPath := haveShortID && depth > 0
	firstAssign := !haveShortID && depth >= ch.MinDepth

	if firstAssign || reorgPath {
		height, txIndex, err := w.locator.LocateTx(ch.Funding.TxID)
		if err != nil {
			w.failer.FailPermanent(ch, fmt.Sprintf(
				"unable to locate funding transaction: %v", err))
			return false
		}

		newID := &channel.ShortChannelID{
			BlockHeight: height,
			TxIndex:     txIndex,
			OutputIndex: ch.Funding.OutNum,
		}
		if !newID.Valid() {
			w.failer.FailPermanent(ch, "invalid short channel id")
			return false
		}

		if haveShortID && *ch.ShortChanID != *newID {
			ch.ShortChanID = newID
			w.failer.FailTransient(ch, "short channel id changed, restarting worker")
		} else {
			ch.ShortChanID = newID
		}
	}

	if !w.workers.NotifyDepth(ch, depth) {
		return true
	}

	if depth < ch.MinDepth {
		return true
	}

	return depth < w.announceMinDepth
}

func (w *Watcher) watchSpend(ch *channel.Channel, spendEvent *SpendEvent) {
	defer w.wg.Done()

	select {
	case detail, ok := <-spendEvent.Spend:
		if !ok {
			return
		}
		ch.Billboard.AddPermanent("ON-CHAIN INIT")
		w.log.Infof("channel %x funding output spent in %v",
			ch.Funding.ChannelID(), detail.SpenderTxHash)
		w.resolver.HandleSpend(ch, detail)

	case <-w.quit:
	}
}
