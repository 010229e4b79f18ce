// Package gateway is the composition root: it wires storage, the
// radio link, the ingress channels, the schedule engine, and the
// status fan-out, and runs them from one cooperative loop.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agsys/irrigation-gateway/internal/auth"
	"github.com/agsys/irrigation-gateway/internal/clock"
	"github.com/agsys/irrigation-gateway/internal/engine"
	"github.com/agsys/irrigation-gateway/internal/intake"
	"github.com/agsys/irrigation-gateway/internal/modem"
	"github.com/agsys/irrigation-gateway/internal/pubsub"
	"github.com/agsys/irrigation-gateway/internal/queue"
	"github.com/agsys/irrigation-gateway/internal/radio"
	"github.com/agsys/irrigation-gateway/internal/shortlink"
	"github.com/agsys/irrigation-gateway/internal/status"
	"github.com/agsys/irrigation-gateway/internal/storage"
)

// Config holds gateway configuration.
type Config struct {
	DatabasePath string

	LoopInterval  time.Duration // cooperative loop period
	InboxInterval time.Duration // SMS inbox scan period

	Link   radio.LinkConfig
	Radio  radio.ConcentratordConfig
	Engine engine.Config
	Auth   auth.Config
	Status status.Config
	Drift  clock.DriftConfig

	PumpValuePath string // GPIO value file; empty disables the pump relay
	PumpActiveLow bool

	ModemDevice string // serial device; empty disables the modem
	Modem       modem.Config

	PubSubURL string // broker URL; empty disables the WebSocket channel
	PubSub    pubsub.Config
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		DatabasePath:  "/var/lib/irrigation-gateway/gateway.db",
		LoopInterval:  100 * time.Millisecond,
		InboxInterval: 10 * time.Second,
		Link:          radio.DefaultLinkConfig(),
		Radio:         radio.DefaultConcentratordConfig(),
		Engine:        engine.DefaultConfig(),
		Status:        status.DefaultConfig(),
		Drift:         clock.DefaultDriftConfig(),
		Modem:         modem.DefaultConfig(),
		PubSub:        pubsub.DefaultConfig(),
	}
}

// Gateway owns every component of the running service.
type Gateway struct {
	config Config

	store     *storage.DB
	clock     *clock.SystemClock
	transport *radio.ConcentratordTransport
	link      *radio.Link
	ingress   *queue.Queue
	auth      *auth.Authenticator
	engine    *engine.Engine
	router    *intake.Router
	reporter  *status.Reporter
	shortlink *shortlink.Handler

	pubsub    *pubsub.Client
	modem     *modem.Modem
	modemPort *os.File
	drift     *clock.DriftMonitor

	adminPhones []string

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds the component graph. Nothing talks to hardware until
// Start.
func New(config Config) (*Gateway, error) {
	store, err := storage.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	transport, err := radio.NewConcentratordTransport(config.Radio)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("radio transport: %w", err)
	}

	g := &Gateway{
		config:    config,
		store:     store,
		clock:     clock.NewSystemClock(),
		transport: transport,
		ingress:   queue.New(queue.DefaultCapacity),
		stopChan:  make(chan struct{}),
	}

	g.link = radio.NewLink(config.Link, transport, g.clock, store)
	g.link.SetIngress(func(payload string) {
		if dropped := g.ingress.Push(queue.Message{Payload: payload}); dropped {
			log.Println("Ingress queue full, dropped oldest payload")
		}
	})

	authConfig := g.effectiveAuthConfig()
	g.auth = auth.New(authConfig)
	g.adminPhones = normalizedAdmins(authConfig)

	var pump engine.Pump = engine.NullPump{}
	if config.PumpValuePath != "" {
		pump = &engine.GPIOPump{ValuePath: config.PumpValuePath, ActiveLow: config.PumpActiveLow}
	}
	g.engine = engine.New(config.Engine, store, g.link, pump, g.clock)

	g.reporter = status.New(config.Status)
	g.engine.SetStatusCallback(func(msg string) {
		g.reporter.Report(classify(msg), msg)
	})

	g.router = intake.New(g.ingress, g.auth, g.link, g.engine, store, g.clock)
	g.router.SetReplyCallback(g.reply)
	g.router.SetReportCallback(func(body string) {
		g.reporter.Report(status.KindInfo, body)
	})

	g.shortlink = shortlink.New(g.ingress)
	g.shortlink.SetCommandCallback(func(ctx context.Context, node uint8, cmdType string) error {
		return g.link.SendWithAck(ctx, cmdType, node, "", -1, 0)
	})

	if config.PubSubURL != "" {
		psConfig := config.PubSub
		psConfig.URL = config.PubSubURL
		g.pubsub = pubsub.New(psConfig, g.ingress)
	}

	g.registerSinks()
	return g, nil
}

// ShortLink exposes the short-range payload handler to the transport
// layer hosting the GATT service.
func (g *Gateway) ShortLink() *shortlink.Handler {
	return g.shortlink
}

// SetTimeSource enables the drift monitor against the given reference
// and syncer. Must be called before Start.
func (g *Gateway) SetTimeSource(ref clock.Reference, syncer clock.Syncer) {
	g.drift = clock.NewDriftMonitor(g.config.Drift, g.clock, ref, syncer, g.store)
}

// Start brings up the transports, restores engine state, and launches
// the cooperative loop.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.transport.Start(); err != nil {
		return fmt.Errorf("start radio: %w", err)
	}

	if g.config.ModemDevice != "" {
		if err := g.startModem(); err != nil {
			// Modem trouble degrades the gateway but must not stop
			// schedule execution.
			log.Printf("Modem unavailable: %v", err)
		}
	}

	if g.pubsub != nil {
		g.pubsub.Start(ctx)
	}

	if err := g.engine.Load(ctx); err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}

	if g.drift != nil {
		g.drift.Start(ctx)
	}

	g.reporter.Report(status.KindBoot, "GW|BOOT")
	g.store.InsertEvent("boot", "gateway started")

	g.wg.Add(1)
	go g.loop(ctx)
	log.Println("Gateway started")
	return nil
}

// Stop shuts everything down in reverse order.
func (g *Gateway) Stop() error {
	close(g.stopChan)
	g.wg.Wait()

	if g.drift != nil {
		g.drift.Stop()
	}
	if g.pubsub != nil {
		g.pubsub.Stop()
	}
	if g.modem != nil {
		g.modemPort.Close()
		g.modem.Stop()
	}
	g.transport.Stop()
	return g.store.Close()
}

func (g *Gateway) startModem() error {
	port, err := os.OpenFile(g.config.ModemDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", g.config.ModemDevice, err)
	}
	g.modemPort = port
	g.modem = modem.New(g.config.Modem, port, g.clock, g.ingress)
	g.modem.Start()

	if err := g.modem.Init(); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := g.modem.ConfigureSMS(); err != nil {
		log.Printf("SMS unavailable: %v", err)
	}
	if err := g.modem.ConfigureMQTT(); err != nil {
		log.Printf("Fallback MQTT unavailable: %v", err)
	}
	return nil
}

// loop is the cooperative scheduler: radio poll, queued payloads, then
// one engine tick per period.
func (g *Gateway) loop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.config.LoopInterval)
	defer ticker.Stop()
	inbox := time.NewTicker(g.config.InboxInterval)
	defer inbox.Stop()

	for {
		select {
		case <-g.stopChan:
			return
		case <-ctx.Done():
			return

		case <-inbox.C:
			if g.modem != nil {
				g.modem.CheckInbox()
				g.modem.MaintainMQTT()
			}

		case <-ticker.C:
			g.link.Poll()
			for g.router.Step(ctx) {
			}
			g.engine.Tick(ctx)
		}
	}
}

// reply routes a router response back to the channel it came from.
func (g *Gateway) reply(src, sender, msg string) {
	switch src {
	case auth.SourceSMS:
		if g.modem == nil || sender == "" {
			return
		}
		if err := g.modem.SendSMS(sender, msg); err != nil {
			log.Printf("SMS reply to %s failed: %v", sender, err)
		}
	case auth.SourceShortLink:
		g.shortlink.Notify(msg)
	case auth.SourcePub:
		g.publish(msg)
	default:
		log.Printf("Reply for %s: %s", src, msg)
	}
}

// publish pushes a status line out the wide-area path, preferring the
// WebSocket channel and falling back to the modem's MQTT client.
func (g *Gateway) publish(msg string) {
	if g.pubsub != nil && g.pubsub.IsConnected() {
		if err := g.pubsub.PublishStatus(msg); err == nil {
			return
		}
	}
	if g.modem != nil && g.modem.MQTTHealthy() {
		if err := g.modem.PublishMQTT(g.config.Modem.MQTTStatusTopic, msg); err != nil {
			log.Printf("Fallback publish failed: %v", err)
		}
	}
}

func (g *Gateway) registerSinks() {
	g.reporter.Register("pub", false, func(kind status.Kind, msg string) error {
		g.publish(msg)
		return nil
	})

	g.reporter.Register("sms", true, func(kind status.Kind, msg string) error {
		if g.modem == nil || !g.modem.SMSReady() {
			return nil
		}
		var firstErr error
		for _, phone := range g.adminPhones {
			if err := g.modem.SendSMS(phone, msg); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})

	g.reporter.Register("short-link", false, func(kind status.Kind, msg string) error {
		g.shortlink.Notify(msg)
		return nil
	})
}

// effectiveAuthConfig overlays persisted settings on the configured
// auth values, so tokens provisioned in the field survive config
// rollouts.
func (g *Gateway) effectiveAuthConfig() auth.Config {
	config := g.config.Auth

	overlay := func(key string, dst *string) {
		if v, err := g.store.GetSetting(key); err == nil && v != "" {
			*dst = v
		}
	}
	overlay(storage.SettingSharedToken, &config.SharedToken)
	overlay(storage.SettingBTToken, &config.BTToken)
	overlay(storage.SettingLoRaToken, &config.LoRaToken)
	overlay(storage.SettingMQToken, &config.MQToken)
	overlay(storage.SettingRecoveryToken, &config.RecoveryToken)
	overlay(storage.SettingCountryCode, &config.CountryCode)

	if v, err := g.store.GetSetting(storage.SettingAdminPhones); err == nil && v != "" {
		config.AdminPhones = strings.Split(v, ",")
	}
	return config
}

func normalizedAdmins(config auth.Config) []string {
	admins := make([]string, 0, len(config.AdminPhones))
	for _, p := range config.AdminPhones {
		if n := auth.NormalizePhone(p, config.CountryCode); n != "" {
			admins = append(admins, n)
		}
	}
	return admins
}

// classify maps an engine emission to its alert kind.
func classify(msg string) status.Kind {
	switch {
	case strings.HasPrefix(msg, "ERR|SCH|"):
		return status.KindScheduleFail
	case strings.HasPrefix(msg, "ERR|CMD|"):
		return status.KindCommandFail
	case strings.HasPrefix(msg, "SCH|DONE|"):
		return status.KindDone
	case strings.HasPrefix(msg, "SCH|STOPPED|"):
		return status.KindStop
	default:
		return status.KindInfo
	}
}
