// package client
//
// The client package contains the hidden process side of an ocbridge relay.
// A Client dials out to the relay, authenticates as the control connection and
// asks the relay to open its public listener. Every external client the relay
// accepts is announced with a token; the Client claims it by dialing the relay
// again with that token and bridges the resulting connection to a local
// target address.
//
// # Example
//
//	package main
//
//	import (
//	    "context"
//
//	    "go.ocbridge.dev/ocbridge/client"
//	)
//
//	func main() {
//	    c := &client.Client{
//	        TargetAddress: "127.0.0.1:25565",
//	        Authenticator: client.SecretAuthenticator("some-secret"),
//	    }
//
//	    c.DialAndServe(context.Background(), "relay.example.com:3330")
//	}
package client
