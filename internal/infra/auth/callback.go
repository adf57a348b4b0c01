package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
)

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>Authorization Complete</title></head>
<body>
<h1>Authorization Complete</h1>
<p>You can close this window and return to the application.</p>
</body>
</html>`

// LoopbackReceiver is the default CallbackReceiver: a one-shot HTTP server
// on an ephemeral loopback port serving /callback.
type LoopbackReceiver struct {
	server   *http.Server
	listener net.Listener
	results  chan callbackOutcome

	closeOnce sync.Once
}

type callbackOutcome struct {
	result CallbackResult
	err    error
}

func NewLoopbackReceiver() *LoopbackReceiver {
	return &LoopbackReceiver{results: make(chan callbackOutcome, 1)}
}

func (r *LoopbackReceiver) Start(ctx context.Context) (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listen for callback: %w", err)
	}
	r.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, req *http.Request) {
		query := req.URL.Query()
		if errParam := query.Get("error"); errParam != "" {
			r.deliver(callbackOutcome{err: fmt.Errorf("%s: %s", errParam, query.Get("error_description"))})
		} else {
			r.deliver(callbackOutcome{result: CallbackResult{
				Code:  query.Get("code"),
				State: query.Get("state"),
			}})
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, callbackPage)
	})

	r.server = &http.Server{Handler: mux}
	go func() { _ = r.server.Serve(listener) }()

	port := listener.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://127.0.0.1:%d/callback", port), nil
}

func (r *LoopbackReceiver) deliver(outcome callbackOutcome) {
	select {
	case r.results <- outcome:
	default:
		// A second redirect hit the receiver; only the first counts.
	}
}

func (r *LoopbackReceiver) Wait(ctx context.Context) (CallbackResult, error) {
	select {
	case outcome := <-r.results:
		return outcome.result, outcome.err
	case <-ctx.Done():
		return CallbackResult{}, ctx.Err()
	}
}

func (r *LoopbackReceiver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.server != nil {
			err = r.server.Close()
		}
	})
	return err
}

var _ CallbackReceiver = (*LoopbackReceiver)(nil)
