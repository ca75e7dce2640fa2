package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/offsync/offsync/offsync"
)

const OffsyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Offsync control.

Inspects and drives the durable queue in a client data dir.

Usage:
    offsyncctl pending --data_dir=<data_dir>
    offsyncctl replay --data_dir=<data_dir> --api_url=<api_url>
        [--timeout=<seconds>]
    offsyncctl clear --data_dir=<data_dir>
    offsyncctl whoami --data_dir=<data_dir>
    offsyncctl logout --data_dir=<data_dir> [--api_url=<api_url>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --data_dir=<data_dir>  Client data dir.
    --api_url=<api_url>    Rest endpoint to replay against.
    --timeout=<seconds>    Give up replaying after this long [default: 30].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], OffsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if pending_, _ := opts.Bool("pending"); pending_ {
		pending(opts)
	} else if replay_, _ := opts.Bool("replay"); replay_ {
		replay(opts)
	} else if clear_, _ := opts.Bool("clear"); clear_ {
		clear(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(opts)
	}
}

// list the pinned commands in replay order
func pending(opts docopt.Opts) {
	dataDir, _ := opts.String("--data_dir")

	store, err := offsync.NewSqlitePinStore(dataDir)
	if err != nil {
		Err.Fatalf("Cannot open pin store (%s).", err)
	}
	defer store.Close()

	pins, err := store.FindAllPinned(context.Background(), nil)
	if err != nil {
		Err.Fatalf("Cannot list pins (%s).", err)
	}

	for _, pin := range pins {
		target := ""
		if pin.HasObject() {
			target = fmt.Sprintf(" %s/%s", pin.ClassName, pin.ObjectId)
		}
		command, err := pin.Command()
		if err != nil {
			Out.Printf("%s %s%s (corrupt: %s)", pin.Uuid, pin.Type, target, err)
			continue
		}
		Out.Printf("%s %s%s %s %s", pin.Uuid, pin.Type, target, command.Method, command.Path)
	}
	Out.Printf("%d pending", len(pins))
}

// bring the queue online and drain it against the api
func replay(opts docopt.Opts) {
	dataDir, _ := opts.String("--data_dir")
	apiUrl, _ := opts.String("--api_url")

	timeout := 30 * time.Second
	if seconds, err := opts.Int("--timeout"); err == nil {
		timeout = time.Duration(seconds) * time.Second
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := offsync.NewClientWithDefaults(cancelCtx, apiUrl, dataDir)
	if err != nil {
		Err.Fatalf("Cannot open client (%s).", err)
	}
	defer client.Close()

	client.EventuallyQueue().SetConnected(true)

	endTime := time.Now().Add(timeout)
	for {
		count, err := client.PinStore().Count(cancelCtx)
		if err != nil {
			Err.Fatalf("Cannot count pins (%s).", err)
		}
		if count == 0 {
			Out.Printf("Drained.")
			return
		}
		if endTime.Before(time.Now()) {
			Out.Printf("Not drained (%d still pending).", count)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// drop all pinned commands without replaying them
func clear(opts docopt.Opts) {
	dataDir, _ := opts.String("--data_dir")

	store, err := offsync.NewSqlitePinStore(dataDir)
	if err != nil {
		Err.Fatalf("Cannot open pin store (%s).", err)
	}
	defer store.Close()

	ctx := context.Background()
	count, err := store.Count(ctx)
	if err != nil {
		Err.Fatalf("Cannot count pins (%s).", err)
	}
	if err := store.Clear(ctx); err != nil {
		Err.Fatalf("Cannot clear pins (%s).", err)
	}
	Out.Printf("Cleared %d.", count)
}

// print the persisted current user
func whoami(opts docopt.Opts) {
	dataDir, _ := opts.String("--data_dir")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := offsync.NewClientWithDefaults(cancelCtx, "", dataDir)
	if err != nil {
		Err.Fatalf("Cannot open client (%s).", err)
	}
	defer client.Close()

	user, err := client.CurrentUser().GetAsync(false).Result(cancelCtx)
	if err != nil {
		Err.Fatalf("Cannot read current user (%s).", err)
	}
	if user == nil {
		Out.Printf("No current user.")
		return
	}

	if user.ObjectId() == "" {
		Out.Printf("Lazy user (not saved yet).")
	} else {
		Out.Printf("User %s.", user.ObjectId())
	}
	if sessionToken := user.SessionToken(); sessionToken != "" {
		if claims, err := offsync.ParseSessionClaims(sessionToken); err == nil {
			Out.Printf("Session for %s expires %s.", claims.UserId, claims.ExpiresAt.Format(time.RFC3339))
		} else {
			Out.Printf("Session token present (opaque).")
		}
	}
}

// log out the persisted current user. revocation is pinned, so run
// `replay` afterwards to push it to the server.
func logout(opts docopt.Opts) {
	dataDir, _ := opts.String("--data_dir")
	apiUrl, _ := opts.String("--api_url")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := offsync.NewClientWithDefaults(cancelCtx, apiUrl, dataDir)
	if err != nil {
		Err.Fatalf("Cannot open client (%s).", err)
	}
	defer client.Close()

	logOutTask := client.CurrentUser().LogOutAsync()

	// revocation is pinned. replay it now if we have an endpoint,
	// otherwise it stays pinned for a later `replay`.
	if apiUrl != "" {
		client.EventuallyQueue().SetConnected(true)
	}

	waitCtx, waitCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer waitCancel()
	if _, err := logOutTask.Result(waitCtx); err != nil {
		if waitCtx.Err() != nil {
			Out.Printf("Logged out locally. Revocation still pinned; run replay.")
			return
		}
		Err.Fatalf("Logout failed (%s).", err)
	}
	Out.Printf("Logged out.")
}
