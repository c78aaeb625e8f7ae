package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mindmesh/mindmesh/mesh"
)

const MeshCtlVersion = "0.0.1"

const DefaultTicks = 300
const DefaultSayTimeout = 10 * time.Second

func main() {
	usage := fmt.Sprintf(
		`Mind mesh control.

The default url is:
    url: %s

Usage:
    meshctl watch --session=<session_id> [--url=<url>] [--user=<user>] [--jwt=<jwt>]
        [--config=<config>]
        [--metrics=<addr>]
        [--log_level=<level>]
    meshctl say --session=<session_id> [--user=<user>] [--url=<url>] [--jwt=<jwt>]
        [--config=<config>]
        [--timeout=<timeout>]
        [--log_level=<level>]
        <text>
    meshctl layout <updates_file> [--ticks=<ticks>] [--config=<config>] [--log_level=<level>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --session=<session_id>     Session to join.
    --url=<url>                Backend websocket url.
    --user=<user>              Name sent with each utterance. Defaults to the jwt user.
    --jwt=<jwt>                Bearer token for the handshake.
    --config=<config>          Yaml settings file.
    --metrics=<addr>           Serve prometheus metrics on this address, e.g. :9100.
    --timeout=<timeout>        Time to wait for the connection to open [default: 10s].
    --ticks=<ticks>            Layout ticks to run [default: 300].
    --log_level=<level>        Verbose log level [default: 0].`,
		mesh.DefaultConnectionSettings().Url,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], MeshCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if say_, _ := opts.Bool("say"); say_ {
		say(opts)
	} else if layout_, _ := opts.Bool("layout"); layout_ {
		layout(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if logLevel, err := opts.String("--log_level"); err == nil {
		flag.Set("v", logLevel)
	}
}

// settings from `--config` with flag overrides
func loadSettings(opts docopt.Opts) *mesh.MindGraphSettings {
	settings := mesh.DefaultMindGraphSettings()
	if config, err := opts.String("--config"); err == nil {
		settings, err = mesh.LoadMindGraphSettings(config)
		if err != nil {
			panic(err)
		}
	}
	if url, err := opts.String("--url"); err == nil {
		settings.Connection.Url = url
	}
	if byJwt, err := opts.String("--jwt"); err == nil {
		settings.Connection.ByJwt = byJwt
	}
	return settings
}

// `--user`, else the user claim of `--jwt`
func requireUser(opts docopt.Opts) string {
	if user, err := opts.String("--user"); err == nil && user != "" {
		return user
	}
	if jwt, err := opts.String("--jwt"); err == nil {
		byJwt, err := mesh.ParseByJwtUnverified(jwt)
		if err != nil {
			panic(err)
		}
		if byJwt.User != "" {
			return byJwt.User
		}
	}
	panic(errors.New("Missing user. Set --user or a --jwt with a user claim."))
}

func watch(opts docopt.Opts) {
	sessionId, _ := opts.String("--session")
	user := requireUser(opts)
	settings := loadSettings(opts)

	event := mesh.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	metrics := mesh.NewNoopMetrics()
	if metricsAddr, err := opts.String("--metrics"); err == nil {
		registry := prometheus.NewRegistry()
		metrics = mesh.NewMetrics(registry)
		serveMetrics(ctx, metricsAddr, registry)
	}

	surface := NewTerminalSurface(os.Stdout, int(syscall.Stdout))
	mindGraph := mesh.NewMindGraph(ctx, surface, settings, metrics)
	defer mindGraph.Close()

	mindGraph.AddConnectionStateCallback(func(sessionId string, state mesh.ConnectionState) {
		surface.SetStatus(fmt.Sprintf("%s %s", sessionId, state))
	})
	mindGraph.AddErrorCallback(func(sessionId string, err error) {
		surface.SetStatus(fmt.Sprintf("%s error: %s", sessionId, err))
	})

	if err := mindGraph.SetSession(sessionId); err != nil {
		panic(err)
	}

	go mesh.HandleError(func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if err := mindGraph.SendUtterance(user, text); err != nil {
				if !errors.Is(err, mesh.ErrEmptyUtterance) {
					surface.SetStatus(fmt.Sprintf("not sent: %s", err))
				}
			}
		}
	})

	select {
	case <-ctx.Done():
	case <-mindGraph.Done():
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Infof("[meshctl]metrics error = %s\n", err)
		}
	}()
	go func() {
		<-ctx.Done()
		metricsServer.Close()
	}()
}

func say(opts docopt.Opts) {
	sessionId, _ := opts.String("--session")
	text, _ := opts.String("<text>")
	user := requireUser(opts)
	settings := loadSettings(opts)

	timeout := DefaultSayTimeout
	if timeoutStr, err := opts.String("--timeout"); err == nil {
		timeout, err = time.ParseDuration(timeoutStr)
		if err != nil {
			panic(err)
		}
	}

	event := mesh.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(event.Ctx(), timeout)
	defer cancel()

	mindGraph := mesh.NewMindGraph(ctx, nil, settings, mesh.NewNoopMetrics())
	defer mindGraph.Close()

	states := make(chan mesh.ConnectionState, 8)
	mindGraph.AddConnectionStateCallback(func(sessionId string, state mesh.ConnectionState) {
		select {
		case states <- state:
		default:
		}
	})

	if err := mindGraph.SetSession(sessionId); err != nil {
		panic(err)
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("not sent: connection did not open within %s\n", timeout)
			os.Exit(1)
		case state := <-states:
			switch state {
			case mesh.ConnectionStateOpen:
				if err := mindGraph.SendUtterance(user, text); err != nil {
					fmt.Printf("not sent: %s\n", err)
					os.Exit(1)
				}
				fmt.Printf("sent to %s\n", sessionId)
				return
			case mesh.ConnectionStateClosed:
				fmt.Printf("not sent: connection closed\n")
				os.Exit(1)
			}
		}
	}
}

func layout(opts docopt.Opts) {
	updatesFile, _ := opts.String("<updates_file>")
	settings := loadSettings(opts)

	ticks := DefaultTicks
	if ticksStr, err := opts.String("--ticks"); err == nil {
		ticks, err = strconv.Atoi(ticksStr)
		if err != nil {
			panic(err)
		}
	}

	file, err := os.Open(updatesFile)
	if err != nil {
		panic(err)
	}
	defer file.Close()

	result, err := runLayout(file, ticks, settings.Layout)
	if err != nil {
		panic(err)
	}

	resultJson, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", resultJson)
}

type LayoutNode struct {
	Id   string  `json:"id"`
	User string  `json:"user"`
	Text string  `json:"text"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type LayoutResult struct {
	Nodes []LayoutNode `json:"nodes"`
	Links []mesh.Link  `json:"links"`
	// frames that failed to decode
	Dropped int     `json:"dropped"`
	Ticks   uint64  `json:"ticks"`
	Alpha   float64 `json:"alpha"`
}

// aggregates newline separated graph update frames and runs the layout offline
// frames from any session are accepted
func runLayout(r io.Reader, ticks int, layoutSettings *mesh.LayoutSettings) (*LayoutResult, error) {
	aggregator := mesh.NewGraphAggregatorWithDefaults()
	result := &LayoutResult{
		Nodes: []LayoutNode{},
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		envelope, err := mesh.ParseEnvelope(line, "")
		if err != nil {
			glog.Infof("[meshctl]drop = %s\n", err)
			result.Dropped += 1
			continue
		}
		if envelope.GraphUpdate != nil {
			aggregator.Append(envelope.GraphUpdate)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	simulator := mesh.NewSimulator(layoutSettings)
	nodes, links := aggregator.CurrentGraph()
	state := simulator.Seed(nodes, links, nil)
	for range ticks {
		if state.Stopped {
			break
		}
		state = simulator.Tick(state, 1)
	}

	for _, node := range state.Nodes {
		result.Nodes = append(result.Nodes, LayoutNode{
			Id:   node.Id,
			User: node.User,
			Text: node.Text,
			X:    node.Pos.X,
			Y:    node.Pos.Y,
		})
	}
	result.Links = state.Links
	result.Ticks = state.TickCount
	result.Alpha = state.Alpha
	return result, nil
}
