package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/bringyour/tunnelview/tunnel"
)

const TunnelCtlVersion = "0.0.1"

const DefaultUrl = "ws://127.0.0.1:8080/sync"

// header lines above the tunnel rows
const headerRowCount = 3

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Tunnel view control.

The default url is:
    url: %s

Usage:
    tunnelctl serve --records=<records_file> [--port=<port>] [--secret=<secret>]
        [--poll=<poll>] [--v=<v>]
    tunnelctl watch [--url=<url>] [--jwt=<jwt>]
        [--search=<search>]
        [--select=<location>]
        [--hide_in] [--hide_out] [--hide_bound] [--hide_unbound]
        [--once] [--v=<v>]
    tunnelctl token --secret=<secret> [--name=<name>]
    tunnelctl encode-location <location>
    tunnelctl decode-location <location_hex>

Options:
    -h --help                   Show this screen.
    --version                   Show version.
    --records=<records_file>    Yaml records file to serve.
    -p --port=<port>            Listen port [default: 8080].
    --secret=<secret>           Watch jwt secret. Watchers must present a token when set.
    --poll=<poll>               Records file poll interval in seconds [default: 2].
    --url=<url>                 Sync url.
    --jwt=<jwt>                 Watch jwt, see "token".
    --search=<search>           Search query. Words match names, #x frequencies, @in @out @bound @unbound @error types.
    --select=<location>         Select a tunnel, as x,y,z,facing@dim.
    --hide_in                   Hide inputs.
    --hide_out                  Hide outputs.
    --hide_bound                Hide bound tunnels.
    --hide_unbound              Hide unbound and errored tunnels.
    --once                      Print the first full view and exit.
    --name=<name>               Watcher name [default: watcher].
    --v=<v>                     Log verbosity.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TunnelCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if encodeLocation_, _ := opts.Bool("encode-location"); encodeLocation_ {
		encodeLocation(opts)
	} else if decodeLocation_, _ := opts.Bool("decode-location"); decodeLocation_ {
		decodeLocation(opts)
	}
}

func serve(opts docopt.Opts) {
	recordsPath, _ := opts.String("--records")
	port, _ := opts.Int("--port")
	pollSeconds, _ := opts.Int("--poll")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	settings := tunnel.DefaultSyncServerSettings()
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		settings.JwtSecret = []byte(secret)
	}
	syncServer := tunnel.NewSyncServer(ctx, settings)
	defer syncServer.Close()

	records, err := tunnel.LoadRecordsFile(recordsPath)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	syncServer.Publish(tunnel.NewReplaceBatch(records))
	Out.Printf("serving %d tunnels on :%d/sync\n", len(records), port)

	go pollRecords(ctx, syncServer, recordsPath, records, time.Duration(max(1, pollSeconds))*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/sync", syncServer)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("%s", err)
	}
}

// publishes a diff of the records file whenever it changes
func pollRecords(
	ctx context.Context,
	syncServer *tunnel.SyncServer,
	recordsPath string,
	records []*tunnel.Record,
	pollTimeout time.Duration,
) {
	var modTime time.Time
	if info, err := os.Stat(recordsPath); err == nil {
		modTime = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollTimeout):
		}

		info, err := os.Stat(recordsPath)
		if err != nil {
			glog.Infof("[serve]stat %s error = %s\n", recordsPath, err)
			continue
		}
		if info.ModTime().Equal(modTime) {
			continue
		}
		modTime = info.ModTime()

		nextRecords, err := tunnel.LoadRecordsFile(recordsPath)
		if err != nil {
			glog.Infof("[serve]load %s error = %s\n", recordsPath, err)
			continue
		}
		if batch := tunnel.DiffRecords(records, nextRecords); batch != nil {
			syncServer.Publish(batch)
		}
		records = nextRecords
	}
}

type terminalScrollbar struct {
	min      int
	max      int
	pageSize int
}

func (self *terminalScrollbar) SetRange(min int, max int, pageSize int) {
	self.min = min
	self.max = max
	self.pageSize = pageSize
}

func watch(opts docopt.Opts) {
	url, err := opts.String("--url")
	if err != nil || url == "" {
		url = DefaultUrl
	}
	jwt, _ := opts.String("--jwt")
	once, _ := opts.Bool("--once")

	query := tunnel.ViewQuery{}
	query.Search, _ = opts.String("--search")
	query.HideIn, _ = opts.Bool("--hide_in")
	query.HideOut, _ = opts.Bool("--hide_out")
	query.HideBound, _ = opts.Bool("--hide_bound")
	query.HideUnbound, _ = opts.Bool("--hide_unbound")

	var selectLocation *tunnel.LocationKey
	if selectStr, err := opts.String("--select"); err == nil && selectStr != "" {
		loc, err := tunnel.ParseLocation(selectStr)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		selectLocation = &loc
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	scrollbar := &terminalScrollbar{}
	view := tunnel.NewTunnelViewWithDefaults(tunnel.NewQueryFilter(), scrollbar)
	view.SetVisibleRows(visibleRows(interactive))

	syncClient := tunnel.NewSyncClientWithDefaults(ctx, url, jwt)
	defer syncClient.Close()

	// all view access happens on this loop
	for batch := range syncClient.Batches() {
		view.SetVisibleRows(visibleRows(interactive))
		if batch.Replace {
			view.ReplaceAll(batch.Records, query)
		} else {
			view.Merge(batch.Records, query)
		}
		// the selection takes once the tunnel is known
		if selectLocation != nil && view.Selected() == nil {
			view.Select(selectLocation, query)
		}
		render(view, scrollbar, interactive)
		if once {
			return
		}
	}
}

func visibleRows(interactive bool) int {
	if !interactive {
		return tunnel.PageSize
	}
	_, height, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return tunnel.PageSize
	}
	return max(1, height-headerRowCount)
}

func render(view *tunnel.TunnelView, scrollbar *terminalScrollbar, interactive bool) {
	var b strings.Builder
	if interactive {
		// home and clear
		b.WriteString("\033[H\033[2J")
	}
	filtered := view.Filtered()
	fmt.Fprintf(&b, "tunnels %d shown %d scroll %d-%d page %d\n", view.Size(), len(filtered), scrollbar.min, scrollbar.max, scrollbar.pageSize)
	if selected := view.SelectedRecord(); selected != nil {
		fmt.Fprintf(&b, "selected %s\n", selected)
	} else {
		fmt.Fprintf(&b, "selected none\n")
	}
	fmt.Fprintf(&b, "%-1s %-24s %-28s %-19s %-3s %s\n", "", "name", "location", "frequency", "io", "")

	rows := visibleRows(interactive)
	selected := view.Selected()
	for i, record := range filtered {
		if rows <= i {
			break
		}
		marker := ""
		if selected != nil && *selected == record.Location {
			marker = ">"
		}
		side := "in"
		if record.Output {
			side = "out"
		}
		errorStr := ""
		if record.Error {
			errorStr = "error"
		}
		fmt.Fprintf(
			&b,
			"%-1s %-24s %-28s %-19s %-3s %s\n",
			marker,
			record.Name,
			record.Location,
			tunnel.FormatFrequency(record.Frequency),
			side,
			errorStr,
		)
	}
	Out.Print(b.String())
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	name, _ := opts.String("--name")

	jwt, err := tunnel.SignWatchJwt([]byte(secret), name)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", jwt)
}

func encodeLocation(opts docopt.Opts) {
	locationStr, _ := opts.String("<location>")

	loc, err := tunnel.ParseLocation(locationStr)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	compoundYaml, err := yaml.Marshal(tunnel.LocationCompound(&loc))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("binary: %s\n", hex.EncodeToString(loc.Bytes()))
	Out.Printf("hash: %016x\n", loc.Hash())
	Out.Printf("compound:\n%s", compoundYaml)
}

func decodeLocation(opts docopt.Opts) {
	locationHex, _ := opts.String("<location_hex>")

	b, err := hex.DecodeString(locationHex)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	loc, err := tunnel.DecodeLocation(b)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", loc)
}
