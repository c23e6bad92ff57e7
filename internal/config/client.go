package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarClientRelayURL    = "CALL_CLIENT_RELAY_URL"
	envVarClientPresenceURL = "CALL_CLIENT_PRESENCE_URL"
	envVarClientUserID      = "CALL_CLIENT_USER_ID"
	envVarClientDisplayName = "CALL_CLIENT_DISPLAY_NAME"
	envVarClientToken       = "CALL_CLIENT_TOKEN"
	envVarClientAPIKey      = "CALL_CLIENT_API_KEY"
	envVarClientMode        = "CALL_CLIENT_MODE"
	envVarClientLogFormat   = "CALL_CLIENT_LOG_FORMAT"
	envVarClientLogLevel    = "CALL_CLIENT_LOG_LEVEL"

	envVarAcceptTimeout      = "CALL_ACCEPT_TIMEOUT"
	envVarNegotiationTimeout = "CALL_NEGOTIATION_TIMEOUT"

	envVarICEDisconnectedTimeout = "WEBRTC_ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTimeout       = "WEBRTC_ICE_FAILED_TIMEOUT"
	envVarICEKeepaliveInterval   = "WEBRTC_ICE_KEEPALIVE_INTERVAL"

	DefaultRelayURL           = "ws://127.0.0.1:8080/v1/signal"
	DefaultAcceptTimeout      = 30 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second

	// ICE timeouts are generous so a brief NAT or relay hiccup does not
	// terminate an active call.
	DefaultICEDisconnectedTimeout = 30 * time.Second
	DefaultICEFailedTimeout       = 120 * time.Second
	DefaultICEKeepaliveInterval   = 2 * time.Second
)

// ClientConfig configures a calling client (callctl).
type ClientConfig struct {
	RelayURL    string
	PresenceURL string
	UserID      string
	DisplayName string
	Token       string
	APIKey      string

	Log  Logging
	Mode Mode

	AcceptTimeout      time.Duration
	NegotiationTimeout time.Duration

	// ICEServers is ordered; STUN defaults apply when nothing is configured.
	ICEServers             []webrtc.ICEServer
	WebRTCUDPPortRange     *UDPPortRange
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration

	// Args holds positional arguments left after flag parsing.
	Args []string
}

func LoadClient(args []string) (ClientConfig, error) {
	lookup, err := WithDotenv(os.LookupEnv)
	if err != nil {
		return ClientConfig{}, err
	}
	return loadClient(lookup, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, error) {
	modeDefault := envOrDefault(lookup, envVarClientMode, string(DefaultMode))
	logDefs := resolveLogDefaults(lookup, envVarClientLogFormat, envVarClientLogLevel, modeDefault)

	relayURL := envOrDefault(lookup, envVarClientRelayURL, DefaultRelayURL)
	presenceURL := envOrDefault(lookup, envVarClientPresenceURL, "")
	userID := envOrDefault(lookup, envVarClientUserID, "")
	displayName := envOrDefault(lookup, envVarClientDisplayName, "")
	token := envOrDefault(lookup, envVarClientToken, "")
	apiKey := envOrDefault(lookup, envVarClientAPIKey, "")
	ice := iceSources{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	acceptTimeout, err := envDurationOrDefault(lookup, envVarAcceptTimeout, DefaultAcceptTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	negotiationTimeout, err := envDurationOrDefault(lookup, envVarNegotiationTimeout, DefaultNegotiationTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	iceDisconnected, err := envDurationOrDefault(lookup, envVarICEDisconnectedTimeout, DefaultICEDisconnectedTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	iceFailed, err := envDurationOrDefault(lookup, envVarICEFailedTimeout, DefaultICEFailedTimeout)
	if err != nil {
		return ClientConfig{}, err
	}
	iceKeepalive, err := envDurationOrDefault(lookup, envVarICEKeepaliveInterval, DefaultICEKeepaliveInterval)
	if err != nil {
		return ClientConfig{}, err
	}

	var portMin, portMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}

	fs := flag.NewFlagSet("callctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string

	fs.StringVar(&relayURL, "relay-url", relayURL, "Relay signaling WebSocket URL (env "+envVarClientRelayURL+")")
	fs.StringVar(&presenceURL, "presence-url", presenceURL, "Relay HTTP base URL for presence lookups (default: derived from --relay-url; env "+envVarClientPresenceURL+")")
	fs.StringVar(&userID, "user", userID, "Local user id (env "+envVarClientUserID+")")
	fs.StringVar(&displayName, "display-name", displayName, "Display name sent with outgoing calls (env "+envVarClientDisplayName+")")
	fs.StringVar(&token, "token", token, "JWT presented to the relay (env "+envVarClientToken+")")
	fs.StringVar(&apiKey, "api-key", apiKey, "API key presented to the relay (env "+envVarClientAPIKey+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarClientMode+")")
	fs.StringVar(&logFormatStr, "log-format", logDefs.format, "Log format: text or json (env "+envVarClientLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logDefs.level, "Log level: debug, info, warn, error (env "+envVarClientLogLevel+")")
	fs.DurationVar(&acceptTimeout, "accept-timeout", acceptTimeout, "How long an outgoing call rings before giving up (env "+envVarAcceptTimeout+")")
	fs.DurationVar(&negotiationTimeout, "negotiation-timeout", negotiationTimeout, "How long an accepted call may take to connect (env "+envVarNegotiationTimeout+")")
	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.DurationVar(&iceDisconnected, "ice-disconnected-timeout", iceDisconnected, "ICE disconnected timeout (env "+envVarICEDisconnectedTimeout+")")
	fs.DurationVar(&iceFailed, "ice-failed-timeout", iceFailed, "ICE failed timeout (env "+envVarICEFailedTimeout+")")
	fs.DurationVar(&iceKeepalive, "ice-keepalive-interval", iceKeepalive, "ICE keepalive interval (env "+envVarICEKeepaliveInterval+")")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return ClientConfig{}, err
	}
	logging, err := finishLogging(logDefs, setFlags, mode, logFormatStr, logLevelStr)
	if err != nil {
		return ClientConfig{}, err
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ClientConfig{}, fmt.Errorf("%s/--user must be set", envVarClientUserID)
	}
	if displayName == "" {
		displayName = userID
	}

	relay, err := url.Parse(strings.TrimSpace(relayURL))
	if err != nil || (relay.Scheme != "ws" && relay.Scheme != "wss") || relay.Host == "" {
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-url %q (expected ws:// or wss:// URL)", envVarClientRelayURL, relayURL)
	}
	if strings.TrimSpace(presenceURL) == "" {
		scheme := "http"
		if relay.Scheme == "wss" {
			scheme = "https"
		}
		presenceURL = (&url.URL{Scheme: scheme, Host: relay.Host}).String()
	}

	if acceptTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--accept-timeout must be > 0", envVarAcceptTimeout)
	}
	if negotiationTimeout <= 0 {
		return ClientConfig{}, fmt.Errorf("%s/--negotiation-timeout must be > 0", envVarNegotiationTimeout)
	}
	if iceDisconnected <= 0 || iceFailed <= 0 || iceKeepalive <= 0 {
		return ClientConfig{}, fmt.Errorf("%s, %s and %s must be > 0", envVarICEDisconnectedTimeout, envVarICEFailedTimeout, envVarICEKeepaliveInterval)
	}

	ports, err := portRange(portMin, portMax)
	if err != nil {
		return ClientConfig{}, err
	}

	iceServers, err := ice.parse()
	if err != nil {
		return ClientConfig{}, err
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
	}

	return ClientConfig{
		RelayURL:    relay.String(),
		PresenceURL: presenceURL,
		UserID:      userID,
		DisplayName: displayName,
		Token:       token,
		APIKey:      apiKey,

		Log:  logging,
		Mode: mode,

		AcceptTimeout:      acceptTimeout,
		NegotiationTimeout: negotiationTimeout,

		ICEServers:             iceServers,
		WebRTCUDPPortRange:     ports,
		ICEDisconnectedTimeout: iceDisconnected,
		ICEFailedTimeout:       iceFailed,
		ICEKeepaliveInterval:   iceKeepalive,

		Args: fs.Args(),
	}, nil
}
