// Package doord exposes the Go APIs behind a single-binary door intercom
// controller. A ring on the intercom opens a short authorization window;
// anyone holding the window's open secret, or a valid access key, can open
// the door while observers on the /door websocket follow along.
//
// # Running a server
//
//	cfg := doord.Config{
//	    Listen:       ":8080",
//	    Store:        "disk:///var/lib/doord",
//	    KeysFile:     "/etc/doord/apikeys.json",
//	    DoorName:     "Front door",
//	    SlackWebhook: "https://hooks.slack.com/services/...",
//	    SlackBaseURL: "https://door.example.com",
//	}
//	srv, err := doord.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("doord: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("doord shutdown: %v", err)
//	    }
//	}()
//
// # Storage
//
// `Config.Store` selects where runtime state (state.json with the last ring
// and open times, and the consumed one-time key set) is persisted:
//
//   - mem:// keeps everything in memory; state is lost on restart.
//   - disk:///var/lib/doord writes JSON files below the directory.
//   - s3://host:port/bucket/prefix uses any S3 compatible object store;
//     credentials come from the usual AWS/MinIO environment variables.
//   - redis://host:6379/0?prefix=doord stores objects as Redis strings.
//
// # Hardware
//
// Without `Config.Simulation` the server drives sysfs GPIO: the ring pin is
// watched for rising edges and the open pin is pulsed for `Config.PulseHold`.
// In simulation mode the opener only logs and observers may send
// {"action":"simulate_ring"} over the websocket.
//
// # Testing
//
// StartTestServer boots a simulated server on a loopback port with an
// in-memory store and returns a ready client:
//
//	ts := doord.StartTestServer(t)
//	opened, err := ts.Client.Open(ctx, "key")
package doord
