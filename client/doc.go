// Package client provides the Go SDK for talking to a doord door controller.
//
// # Quick start
//
// Open the door with an access key:
//
//	cli, err := client.New("http://door.local:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opened, err := cli.Open(ctx, "d3adb33f")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("opened at", opened)
//
// Observe rings and open with the secret they carry:
//
//	sess, err := cli.Watch(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//	for {
//	    ev, err := sess.Next(ctx)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if ev.Action == api.ActionRing {
//	        _ = sess.Open(ctx, ev.Secret)
//	    }
//	}
//
// Non-2xx responses are returned as *APIError carrying the decoded error
// envelope.
package client
