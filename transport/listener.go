package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Listen opens the local TCP listener that the onion service forwards to.
func Listen(address string) (net.Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listen",
			"address":  address,
			"error":    err.Error(),
		}).Error("Failed to listen")
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"address":  listener.Addr().String(),
	}).Info("Listening for connections")
	return listener, nil
}

// Serve accepts connections until ctx is done or the listener fails, and
// passes each one to handle on its own goroutine.
func Serve(ctx context.Context, listener net.Listener, handle func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"error":    err.Error(),
			}).Error("Accept failed")
			return fmt.Errorf("accept: %w", err)
		}

		logrus.WithFields(logrus.Fields{
			"function":    "Serve",
			"remote_addr": conn.RemoteAddr().String(),
		}).Debug("Accepted connection")
		go handle(conn)
	}
}
