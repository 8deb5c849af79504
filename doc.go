// Package onionchat implements a peer-to-peer messenger core whose peers
// are onion services.
//
// Every peer is identified by its onion hostname. Peers exchange contact
// requests and files over multiplexed channels carried by one authenticated
// stream connection per pair of contacts, with extra connections for bulk
// file data.
//
// # Getting Started
//
// Create a client from options and an Authenticator, then run it:
//
//	key, _ := loadServiceKey()
//	auth, err := onionchat.NewKeyAuthenticator(key)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	options := onionchat.NewOptions()
//	options.Hostname = auth.Hostname()
//	options.Tor = &onionchat.TorOptions{SocksAddress: "127.0.0.1:9050"}
//
//	client, err := onionchat.New(options, auth)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	go client.Run(ctx)
//
// Options may also be read from YAML with LoadOptions:
//
//	hostname: 5fgbfzrzrlcxpdo4imhfhfzfoyxg7qkjzuinrlcr4rmwxthrlhbkbbid
//	nickname: alice
//	listen_address: 127.0.0.1:9878
//	download_dir: /home/alice/Downloads
//	keepalive_interval: 60s
//	tor:
//	  socks_address: 127.0.0.1:9050
//	blocked_hosts:
//	  - 3g2upl4pq6kufc4m
//	contacts:
//	  - hostname: ziyyiqxwwtlh2elcgxt6qrtqchbgnj4q55fg7ljvbxubx2pefbkefeqd
//	    nickname: bob
//
// # Contacts
//
// SendContactRequest adds a contact and delivers a request to it. Requests
// from others arrive through IncomingRequests:
//
//	client.IncomingRequests().OnRequestAdded(func(r contact.IncomingRequest) {
//	    client.IncomingRequests().Accept(r.Hostname, r.Nickname)
//	})
//
// Run keeps one connection per online contact. When both peers dial each
// other at once, the duplicate is closed on both sides by the same rule.
//
// # File Transfers
//
// SendFile offers a file to a connected contact. Offers from contacts are
// announced by Transfers().OnTransferAdded; AcceptFile saves one under the
// download directory.
//
// # Authentication
//
// Connections are authenticated before the protocol starts. KeyAuthenticator
// proves ownership of the onion service key; other schemes plug in through
// the Authenticator interface.
package onionchat
