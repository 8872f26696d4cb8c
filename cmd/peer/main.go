// Command peer is a headless tournament participant. It logs in to the
// signaling service, offers media sessions to the peers named on the
// command line, answers offers it is allowed to accept, and logs every
// state change until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mossy-p/tournament-signaling/internal/models"
	"github.com/mossy-p/tournament-signaling/internal/negotiation"
	"github.com/mossy-p/tournament-signaling/internal/peer"
	"github.com/mossy-p/tournament-signaling/internal/signaling"
)

type options struct {
	server       string
	username     string
	password     string
	role         string
	tournament   string
	peers        []string
	peerRole     string
	transport    string
	pollInterval time.Duration
	maxBackoff   time.Duration
	policy       string
	answerWait   time.Duration
	frameEvery   time.Duration
	loopback     bool
	verbose      bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", "http://localhost:8080", "signaling service base URL")
	flagSet.StringVarP(&opts.username, "user", "u", "", "user id to log in as (required)")
	flagSet.StringVar(&opts.password, "password", "demo", "login password")
	flagSet.StringVarP(&opts.role, "role", "r", string(models.RolePlayer), "local role: admin, moderator, or player")
	flagSet.StringVarP(&opts.tournament, "tournament", "t", "", "tournament id (required)")
	flagSet.StringSliceVarP(&opts.peers, "peer", "p", nil, "peer to offer a session to (repeatable)")
	flagSet.StringVar(&opts.peerRole, "peer-role", string(models.RolePlayer), "role of the peers named by --peer")
	flagSet.StringVar(&opts.transport, "transport", "poll", "signaling transport: poll, ws, or records")
	flagSet.DurationVar(&opts.pollInterval, "poll-interval", signaling.DefaultPollInterval, "mailbox poll interval")
	flagSet.DurationVar(&opts.maxBackoff, "max-backoff", 0, "cap for exponential poll backoff after failures (0 keeps the interval fixed)")
	flagSet.StringVar(&opts.policy, "policy", string(negotiation.RenegotiationReplace), "renegotiation policy: replace, reject, or queue")
	flagSet.DurationVar(&opts.answerWait, "answer-timeout", negotiation.DefaultAnswerTimeout, "how long an offer waits for its answer (negative disables)")
	flagSet.DurationVar(&opts.frameEvery, "frame-interval", 20*time.Millisecond, "synthetic media sample interval (0 sends no samples)")
	flagSet.BoolVar(&opts.loopback, "loopback", false, "gather loopback ICE candidates")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log negotiation details")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runPeer(ctx, logger, opts)
}

func runPeer(ctx context.Context, logger *slog.Logger, opts options) error {
	if opts.username == "" || opts.tournament == "" {
		return errors.New("--user and --tournament are required")
	}
	role, err := models.ParseRole(opts.role)
	if err != nil {
		return err
	}
	peerRole, err := models.ParseRole(opts.peerRole)
	if err != nil {
		return fmt.Errorf("--peer-role: %w", err)
	}
	policy, err := negotiation.ParseRenegotiationPolicy(opts.policy)
	if err != nil {
		return err
	}

	apiBase := strings.TrimRight(opts.server, "/") + "/api"
	login, err := signaling.Login(ctx, nil, apiBase, models.LoginRequest{
		Username: opts.username,
		Password: opts.password,
		Role:     role,
	})
	if err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	logger.Info("logged in", "user", login.UserID, "role", login.Role)

	transport, err := newTransport(opts, login.UserID, login.Token, logger)
	if err != nil {
		return err
	}

	// The records transport writes the records itself and cannot trickle
	// candidates.
	records := opts.transport == "records"
	var recorder negotiation.Recorder
	if !records {
		recorder = signaling.NewRecordsClient(apiBase, login.Token, nil)
	}

	ice := negotiation.NewICEProvider(negotiation.ICEProviderOptions{
		ConfigURL: apiBase + "/turn-config",
		Token:     login.Token,
		Logger:    logger,
	})
	api, err := negotiation.NewAPI(negotiation.APIOptions{IncludeLoopback: opts.loopback})
	if err != nil {
		return err
	}

	controller, err := peer.NewController(peer.Options{
		LocalUserID:       login.UserID,
		TournamentID:      opts.tournament,
		Role:              login.Role,
		Transport:         transport,
		NewPeerConnection: negotiation.NewPeerConnectionFactory(api, ice),
		Media:             negotiation.SyntheticSource{FrameInterval: opts.frameEvery},
		Constraints:       negotiation.DefaultConstraints,
		Renegotiation:     policy,
		AnswerTimeout:     opts.answerWait,
		Recorder:          recorder,
		GatherBeforeSend:  records,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	if err := controller.Start(ctx); err != nil {
		return fmt.Errorf("connecting to signaling: %w", err)
	}

	for _, peerID := range opts.peers {
		outcome, err := controller.Connect(ctx, peerID, peerRole)
		switch {
		case err != nil:
			logger.Error("offer failed", "peer", peerID, "error", err)
		case outcome.Warning != "":
			logger.Warn("offer not sent", "peer", peerID, "reason", outcome.Warning)
		default:
			logger.Info("offer sent", "peer", peerID, "queued", outcome.Queued)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", "peers", controller.Peers())
			return nil
		case update, ok := <-controller.Updates():
			if !ok {
				return nil
			}
			state := update.State
			logger.Info("peer state",
				"peer", update.PeerID,
				"status", state.Status,
				"connection", state.ConnectionState.String(),
				"ice", state.ICEConnectionState.String(),
				"remote_tracks", state.RemoteTracks,
				"error", state.LastError,
			)
		}
	}
}

// newTransport builds the signaling transport selected by --transport.
func newTransport(opts options, userID, token string, logger *slog.Logger) (signaling.Transport, error) {
	tournament := url.PathEscape(opts.tournament)
	switch opts.transport {
	case "poll":
		base := strings.TrimRight(opts.server, "/") + "/api/tournaments/" + tournament + "/signaling"
		return signaling.NewPollingClient(base, signaling.PollingOptions{
			Interval:   opts.pollInterval,
			MaxBackoff: opts.maxBackoff,
			Token:      token,
			Logger:     logger,
		}), nil
	case "ws":
		server, err := url.Parse(opts.server)
		if err != nil {
			return nil, fmt.Errorf("--server: %w", err)
		}
		switch server.Scheme {
		case "https":
			server.Scheme = "wss"
		default:
			server.Scheme = "ws"
		}
		endpoint := strings.TrimRight(server.String(), "/") + "/ws/tournaments/" + tournament + "/signaling"
		client, err := signaling.NewWebSocketClient(endpoint, token, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "records":
		records := signaling.NewRecordsClient(strings.TrimRight(opts.server, "/")+"/api", token, nil)
		return signaling.NewRecordsTransport(records, signaling.RecordsOptions{
			TournamentID: opts.tournament,
			UserID:       userID,
			Interval:     opts.pollInterval,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q, want poll, ws, or records", opts.transport)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `peer: headless tournament participant.

Logs in to the signaling service, offers a media session to every --peer,
and accepts offers from participants whose role may initiate toward ours.
Media is synthetic: Opus and VP8 tracks carrying filler samples.

Usage:
  peer --user NAME --tournament ID [flags]

Examples:
  # Moderator offering to two players over the polling mailbox
  peer -u mod1 -r moderator -t finals -p p1 -p p2

  # Player waiting for offers over the push feed
  peer -u p1 -t finals --transport ws

  # Exchanging complete descriptions through the offer/answer records
  peer -u mod1 -r moderator -t finals -p p1 --transport records

Flags:
`)
	flagSet.PrintDefaults()
}
