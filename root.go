package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var errNoPanels = errors.New("no usable panels configured")

// RootController validates configuration, owns one PanelCoordinator per
// panel and routes ticks and commands to them.
type RootController struct {
	log       zerolog.Logger
	host      Host
	newClient func(PanelIdentity) panelAPI
	registry  *Registry
	node      *Node
	panels    []*PanelCoordinator
	mu        sync.Mutex
}

// NewRootController returns a controller that creates panel clients with
// newClient.
func NewRootController(host Host, newClient func(PanelIdentity) panelAPI, logger zerolog.Logger) *RootController {
	rc := &RootController{
		log:       logger.With().Str("component", "root").Logger(),
		host:      host,
		newClient: newClient,
		node:      NewNode(NodeAddress{Kind: KindController}, NodeAddress{Kind: KindController}, "SPAN Panels", driverPanelCount, driverStatus),
	}
	rc.registry = NewRegistry(host, rc.acknowledge)
	return rc
}

// Configure validates the ';'-separated IP and token lists and replaces the
// running set of panels. Panels with a bad entry are skipped and reported
// through a notice; a bad list stops everything. Call it before Run.
func (rc *RootController) Configure(ipList, tokenList string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.node.State() == Created {
		if err := rc.registry.Add(rc.node); err != nil {
			return fmt.Errorf("failed to register controller node: %w", err)
		}
	}

	slots, err := parsePanelList(ipList, tokenList)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			rc.host.Notice(cfgErr.Key, cfgErr.Message)
		}
		rc.log.Error().Err(err).Msg("Invalid panel configuration")
		return err
	}
	rc.host.Notice(noticeIPAddresses, "")
	rc.host.Notice(noticeAccessTokens, "")

	for _, pc := range rc.panels {
		pc.Teardown()
		pc.Stop()
	}
	rc.panels = nil

	for _, slot := range slots {
		key := panelNoticeKey(slot.Number)
		if slot.Err != nil {
			rc.log.Warn().Int("panel", slot.Number).Msg(slot.Err.Message)
			rc.host.Notice(slot.Err.Key, slot.Err.Message)
			continue
		}
		rc.host.Notice(key, "")

		pc := NewPanelCoordinator(slot.Number, slot.Identity, rc.newClient(slot.Identity), rc.host, rc.log)
		if err := pc.Start(); err != nil {
			rc.log.Error().Err(err).Int("panel", slot.Number).Msg("Failed to start panel")
			rc.host.Notice(key, fmt.Sprintf("Panel %d could not be started: %v", slot.Number, err))
			continue
		}
		rc.panels = append(rc.panels, pc)
	}

	rc.log.Info().Int("panels", len(rc.panels)).Int("configured", len(slots)).Msg("Panels configured")
	rc.publish(statusRunning)

	if len(rc.panels) == 0 {
		return errNoPanels
	}
	return nil
}

// Panels returns the running panel coordinators.
func (rc *RootController) Panels() []*PanelCoordinator {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]*PanelCoordinator(nil), rc.panels...)
}

// Panel returns the coordinator for 1-based panel number.
func (rc *RootController) Panel(number int) (*PanelCoordinator, bool) {
	for _, pc := range rc.Panels() {
		if pc.Number() == number {
			return pc, true
		}
	}
	return nil, false
}

// Run serves every panel on its own goroutine and ticks them every
// interval, starting immediately.
func (rc *RootController) Run(ctx context.Context, interval time.Duration) error {
	panels := rc.Panels()
	if len(panels) == 0 {
		return errNoPanels
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range panels {
		g.Go(func() error {
			return pc.Run(gctx)
		})
	}
	g.Go(func() error {
		rc.tickLoop(gctx, interval)
		return nil
	})
	return g.Wait()
}

func (rc *RootController) tickLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rc.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.Tick()
		}
	}
}

// Tick asks every panel to poll. It never waits on a panel.
func (rc *RootController) Tick() {
	for _, pc := range rc.Panels() {
		pc.Tick()
	}
}

// Dispatch routes cmd to the panel it addresses.
func (rc *RootController) Dispatch(ctx context.Context, cmd Command) error {
	pc, ok := rc.Panel(cmd.Address.Panel)
	if !ok {
		return fmt.Errorf("panel %d: %w", cmd.Address.Panel, ErrUnknownPanel)
	}
	return pc.Submit(ctx, cmd)
}

// Stop reports the stopped state everywhere. Call it after Run returned.
func (rc *RootController) Stop() {
	for _, pc := range rc.Panels() {
		pc.Stop()
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.publish(statusStopped)
}

func (rc *RootController) acknowledge(ack NodeAck) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, err := rc.registry.Acknowledge(ack); err != nil {
		rc.log.Debug().Err(err).Msg("Ignoring acknowledgement")
		return
	}
	rc.publish(statusRunning)
}

func (rc *RootController) publish(status string) {
	rep, ok := rc.node.Reporter()
	if !ok {
		return
	}
	rep.Set(driverPanelCount, float64(len(rc.panels)))
	rep.Heartbeat(driverStatus, status)
}
