// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

var (
	bridgeBroker       string
	bridgeMetricsAddr  string
	bridgePingInterval time.Duration
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Bridge UPB units to an MQTT broker",
	Long: `Publish the state of every UPB unit to MQTT and accept commands from it.

Topics (prefix from mqtt.topic_prefix, default "upb"):
  <prefix>/<net>/<unit>/state          ON or OFF (retained)
  <prefix>/<net>/<unit>/level          0-100 (retained)
  <prefix>/<net>/<unit>/availability   online or offline (retained)
  <prefix>/<net>/<unit>/set            ON, OFF, REFRESH or a level 0-100
  <prefix>/<net>/link/<id>/set         ON, OFF or a level 0-100
  <prefix>/<net>/link/<id>/event       reports addressed to a configured link
  <prefix>/bridge/availability         online while the PIM is connected

Units are published as they are discovered on the powerline. Known units are
pinged every --ping-interval; a unit that never acknowledges is published as
offline. The PIM connection is reopened with exponential backoff.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeBroker, "broker", "", "MQTT broker URL (overrides mqtt.broker)")
	bridgeCmd.Flags().StringVar(&bridgeMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
	bridgeCmd.Flags().DurationVar(&bridgePingInterval, "ping-interval", 5*time.Minute, "Ping known units every interval (0 disables)")
}

//////////////////////////////////////////////////////////////
// Topics and payloads
//////////////////////////////////////////////////////////////

const (
	payloadOn      = "ON"
	payloadOff     = "OFF"
	payloadRefresh = "REFRESH"
	payloadOnline  = "online"
	payloadOffline = "offline"
)

func unitTopic(prefix string, net, unit uint8, leaf string) string {
	return fmt.Sprintf("%s/%d/%d/%s", prefix, net, unit, leaf)
}

func linkTopic(prefix string, net, link uint8, leaf string) string {
	return fmt.Sprintf("%s/%d/link/%d/%s", prefix, net, link, leaf)
}

func bridgeAvailabilityTopic(prefix string) string {
	return prefix + "/bridge/availability"
}

// parseSetTopic extracts the target of a set topic.
func parseSetTopic(prefix string, net uint8, topic string) (id uint8, link bool, err error) {
	rest, ok := strings.CutPrefix(topic, fmt.Sprintf("%s/%d/", prefix, net))
	if !ok {
		return 0, false, fmt.Errorf("topic %q outside network %d", topic, net)
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok {
		return 0, false, fmt.Errorf("topic %q is not a set topic", topic)
	}
	if after, found := strings.CutPrefix(rest, "link/"); found {
		link = true
		rest = after
	}

	n, err := strconv.Atoi(rest)
	if err != nil || !validUnitID(n) {
		return 0, false, fmt.Errorf("topic %q: invalid id %q", topic, rest)
	}
	return uint8(n), link, nil
}

// parseSetPayload turns a set payload into a request.
func parseSetPayload(net, id uint8, link bool, payload string) (upb.Request, error) {
	p := strings.ToUpper(strings.TrimSpace(payload))
	switch p {
	case payloadOn:
		return upb.NewActivate(net, id, link), nil
	case payloadOff:
		return upb.NewDeactivate(net, id, link), nil
	case payloadRefresh:
		if link {
			return upb.Request{}, fmt.Errorf("REFRESH is not supported for links")
		}
		return upb.NewRefresh(net, id), nil
	}

	level, err := strconv.Atoi(strings.TrimSuffix(p, "%"))
	if err != nil {
		return upb.Request{}, fmt.Errorf("invalid payload %q (want ON, OFF, REFRESH or 0-100)", payload)
	}
	return upb.NewLevel(net, id, link, level)
}

//////////////////////////////////////////////////////////////
// Bridge
//////////////////////////////////////////////////////////////

// mqttBridge maps session events to MQTT topics and set topics to commands.
type mqttBridge struct {
	session *pim.Session
	network uint8
	prefix  string
	log     zerolog.Logger

	// publish sends a payload; set to the MQTT client in runBridge.
	publish func(topic, payload string, retained bool)

	mu        sync.Mutex
	listeners map[uint8]*unitListener
}

// unitListener republishes the reports of one unit.
type unitListener struct {
	b    *mqttBridge
	unit uint8
}

func (l *unitListener) OnMessageReceived(m *upb.Message) {
	level, ok := m.Level()
	if !ok {
		return
	}
	l.b.publishLevel(l.unit, level)
	if m.IsSelfReport() {
		l.b.publishAvailability(l.unit, pim.DeviceAlive)
	}
}

func newMQTTBridge(net uint8, prefix string, log zerolog.Logger) *mqttBridge {
	return &mqttBridge{
		network:   net,
		prefix:    prefix,
		log:       log.With().Str("component", "bridge").Logger(),
		publish:   func(string, string, bool) {},
		listeners: make(map[uint8]*unitListener),
	}
}

// track starts republishing a unit. It is the session's discovery hook, so
// the report that discovered the unit is published from the device record.
func (b *mqttBridge) track(unit uint8) {
	b.mu.Lock()
	if _, ok := b.listeners[unit]; ok {
		b.mu.Unlock()
		return
	}
	l := &unitListener{b: b, unit: unit}
	b.listeners[unit] = l
	b.mu.Unlock()

	b.session.RegisterListener(unit, l)
	b.log.Info().Uint8("unit", unit).Str("name", fileConfig.DeviceName(unit)).Msg("unit discovered")

	if rec, ok := b.session.Device(unit); ok {
		b.publishRecord(rec)
	}
}

// untrackAll removes every listener the bridge registered.
func (b *mqttBridge) untrackAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for unit, l := range b.listeners {
		b.session.DeregisterListener(unit, l)
		delete(b.listeners, unit)
	}
}

func (b *mqttBridge) publishRecord(rec pim.DeviceRecord) {
	if rec.Level >= 0 {
		b.publishLevel(rec.ID, rec.Level)
	}
	b.publishAvailability(rec.ID, rec.State)
}

func (b *mqttBridge) publishLevel(unit uint8, level int) {
	state := payloadOff
	if level > 0 {
		state = payloadOn
	}
	b.publish(unitTopic(b.prefix, b.network, unit, "level"), strconv.Itoa(level), true)
	b.publish(unitTopic(b.prefix, b.network, unit, "state"), state, true)
}

func (b *mqttBridge) publishAvailability(unit uint8, state pim.DeviceState) {
	var payload string
	switch state {
	case pim.DeviceAlive:
		payload = payloadOnline
	case pim.DeviceDead, pim.DeviceFailed:
		payload = payloadOffline
	default:
		return
	}
	b.publish(unitTopic(b.prefix, b.network, unit, "availability"), payload, true)
}

// onLink publishes reports addressed to a configured link.
func (b *mqttBridge) onLink(link uint8, m *upb.Message) {
	payload := upb.FormatCommand(m.Command(), m.Arguments())
	if level, ok := m.Level(); ok {
		payload = strconv.Itoa(level)
	}
	b.publish(linkTopic(b.prefix, b.network, link, "event"), payload, false)
}

func (b *mqttBridge) onStatus(st pim.Status) {
	switch st.Kind {
	case pim.StatusOnline:
		b.log.Info().Msg("PIM online")
		b.publish(bridgeAvailabilityTopic(b.prefix), payloadOnline, true)
	case pim.StatusOffline:
		b.log.Warn().Str("reason", st.Reason.String()).Err(st.Err).Msg("PIM offline")
		b.publish(bridgeAvailabilityTopic(b.prefix), payloadOffline, true)
	case pim.StatusDeviceError:
		b.log.Warn().Uint8("unit", st.Unit).Err(st.Err).Msg("unit not responding")
	}
}

// handleSet runs one set message and publishes what the outcome implies.
// The returned completion resolves when the PIM answers.
func (b *mqttBridge) handleSet(topic, payload string) (*pim.Completion, error) {
	id, link, err := parseSetTopic(b.prefix, b.network, topic)
	if err != nil {
		return nil, err
	}
	req, err := parseSetPayload(b.network, id, link, payload)
	if err != nil {
		return nil, err
	}

	b.log.Debug().Str("request", upb.FormatRequest(req)).Msg("set")
	return sendTracked(b.session, req, func(o pim.Outcome, err error) {
		b.afterWrite(req, o, err)
	}), nil
}

// afterWrite publishes liveness and, on ACK, the level the unit was told to
// take. Refresh replies arrive as reports instead.
func (b *mqttBridge) afterWrite(req upb.Request, o pim.Outcome, err error) {
	if o != pim.OutcomeAck {
		b.log.Warn().Str("request", upb.FormatRequest(req)).Str("outcome", o.String()).Err(err).Msg("write not acknowledged")
	}
	if req.Link {
		return
	}
	if state, ok := livenessOf(o, err); ok {
		b.publishAvailability(req.Destination, state)
	}
	if o != pim.OutcomeAck {
		return
	}
	switch req.Command {
	case upb.CmdActivate:
		b.publishLevel(req.Destination, upb.MaxLevel)
	case upb.CmdDeactivate:
		b.publishLevel(req.Destination, 0)
	case upb.CmdGoto:
		if len(req.Arguments) > 0 {
			b.publishLevel(req.Destination, int(req.Arguments[0]))
		}
	}
}

// pingAll pings every known unit once.
func (b *mqttBridge) pingAll() {
	for _, rec := range b.session.Devices() {
		req := upb.NewPing(b.network, rec.ID)
		sendTracked(b.session, req, func(o pim.Outcome, err error) {
			if state, ok := livenessOf(o, err); ok {
				b.publishAvailability(req.Destination, state)
			}
		})
	}
}

//////////////////////////////////////////////////////////////
// Command
//////////////////////////////////////////////////////////////

// newMQTTClient configures a client with a retained last will. It does not
// connect.
func newMQTTClient(cfg MQTTConfig, broker string, onConnect mqtt.OnConnectHandler) mqtt.Client {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "upbridge-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetKeepAlive(60*time.Second).
		SetPingTimeout(10*time.Second).
		SetWill(bridgeAvailabilityTopic(cfg.TopicPrefix), payloadOffline, 1, true).
		SetOnConnectHandler(onConnect)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return mqtt.NewClient(opts)
}

func runBridge(cmd *cobra.Command, args []string) error {
	mqttCfg := fileConfig.MQTT
	if mqttCfg.TopicPrefix == "" {
		mqttCfg.TopicPrefix = "upb"
	}
	broker := mqttCfg.Broker
	if bridgeBroker != "" {
		broker = bridgeBroker
	}
	if broker == "" {
		return fmt.Errorf("an MQTT broker is required (--broker or mqtt.broker)")
	}
	metricsAddr := fileConfig.Metrics.Addr
	if bridgeMetricsAddr != "" {
		metricsAddr = bridgeMetricsAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := newMQTTBridge(network(), mqttCfg.TopicPrefix, logger)

	cfg := sessionConfig()
	cfg.OnStatus = b.onStatus
	cfg.OnDeviceDiscovered = b.track
	cfg.OnLink = b.onLink

	var metricsServer *http.Server
	if metricsAddr != "" {
		metrics, err := pim.NewMetrics(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		cfg.Metrics = metrics

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", metricsAddr).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("serving metrics")
	}

	sv := newSupervisor(cfg, OpenConnection)
	b.session = sv.Session()
	fileConfig.registerLinks(b.session)

	setTopics := map[string]byte{
		fmt.Sprintf("%s/%d/+/set", mqttCfg.TopicPrefix, network()):      1,
		fmt.Sprintf("%s/%d/link/+/set", mqttCfg.TopicPrefix, network()): 1,
	}
	onSet := func(_ mqtt.Client, msg mqtt.Message) {
		if _, err := b.handleSet(msg.Topic(), string(msg.Payload())); err != nil {
			logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("set rejected")
		}
	}

	client := newMQTTClient(mqttCfg, broker, func(c mqtt.Client) {
		logger.Info().Str("broker", broker).Msg("connected to MQTT broker")
		if token := c.SubscribeMultiple(setTopics, onSet); token.Wait() && token.Error() != nil {
			logger.Error().Err(token.Error()).Msg("subscribe failed")
		}
	})
	b.publish = func(topic, payload string, retained bool) {
		token := client.Publish(topic, 1, retained, payload)
		go func() {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				logger.Warn().Err(token.Error()).Str("topic", topic).Msg("publish failed")
			}
		}()
	}

	token := client.Connect()
	if ok := token.WaitTimeout(10 * time.Second); !ok {
		return fmt.Errorf("MQTT connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect to %s: %w", broker, err)
	}
	defer client.Disconnect(250)

	for _, d := range fileConfig.Devices {
		b.session.SetDeviceState(uint8(d.ID), pim.DeviceInitializing)
	}

	if err := sv.Connect(); err != nil {
		return err
	}
	logger.Info().Str("connection", sv.ConnInfo()).Uint8("network", network()).Msg("bridge running")
	fmt.Printf("Bridging %s to %s (prefix %q)\n", sv.ConnInfo(), broker, mqttCfg.TopicPrefix)

	for _, d := range fileConfig.Devices {
		sendTracked(b.session, upb.NewRefresh(network(), uint8(d.ID)), nil)
	}

	var tick <-chan time.Time
	if bridgePingInterval > 0 {
		ticker := time.NewTicker(bridgePingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			b.publish(bridgeAvailabilityTopic(mqttCfg.TopicPrefix), payloadOffline, true)
			b.untrackAll()
			sv.Close()
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				metricsServer.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		case <-tick:
			if b.session.Online() {
				b.pingAll()
			}
		}
	}
}
