package bus

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func pipeConns() (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}

func TestConnSendRecvRoundTrip(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	go a.Send(DestParent, KindEntropyReq, nil)

	env, err := b.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if env.Kind != KindEntropyReq || env.Dest != DestParent {
		t.Fatalf("got %+v", env)
	}
}

func TestWorkerBusDispatchesRegisteredKind(t *testing.T) {
	a, b := pipeConns()
	defer a.Close()
	defer b.Close()

	wb := NewWorkerBus(Dest(1), b)

	received := make(chan KeymgrPayload, 1)
	wb.Register(KindCertificate, func(h Header, body []byte) {
		var p KeymgrPayload
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("unmarshal: %v", err)
			return
		}
		received <- p
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wb.Run(ctx)

	payload := KeymgrPayload{Domain: "example.com", Data: []byte("pem-bytes")}
	if err := a.Send(Dest(1), KindCertificate, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case p := <-received:
		if p.Domain != "example.com" {
			t.Fatalf("domain = %q", p.Domain)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestKeymgrPayloadValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload KeymgrPayload
		wantLen int
		wantErr bool
	}{
		{"valid cert", KeymgrPayload{Domain: "a.example", Data: []byte("pem")}, 0, false},
		{"missing domain", KeymgrPayload{Domain: "", Data: []byte("pem")}, 0, true},
		{"empty data", KeymgrPayload{Domain: "a.example", Data: nil}, 0, true},
		{"wrong entropy size", KeymgrPayload{Domain: "a.example", Data: make([]byte, 10)}, EntropyPayloadSize, true},
		{"correct entropy size", KeymgrPayload{Domain: "a.example", Data: make([]byte, EntropyPayloadSize)}, EntropyPayloadSize, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate(tc.wantLen)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRelayRoutesToDestination(t *testing.T) {
	relay := NewRelay()

	workerA, hostA := pipeConns()
	workerB, hostB := pipeConns()
	defer workerA.Close()
	defer workerB.Close()

	relay.AddPeer(Dest(1), hostA)
	relay.AddPeer(Dest(2), hostB)

	if err := workerA.Send(Dest(2), KindCertificateReq, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	env, err := workerB.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if env.Kind != KindCertificateReq {
		t.Fatalf("got kind %q", env.Kind)
	}
}

func TestRelayBroadcastExcludesSender(t *testing.T) {
	relay := NewRelay()

	workerA, hostA := pipeConns()
	workerB, hostB := pipeConns()
	defer workerA.Close()
	defer workerB.Close()

	relay.AddPeer(Dest(1), hostA)
	relay.AddPeer(Dest(2), hostB)

	if err := workerA.Send(DestAll, KindAcceptAvailable, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-recvAsync(workerB):
		if env.Kind != KindAcceptAvailable {
			t.Fatalf("got %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker B never received the broadcast")
	}

	select {
	case env := <-recvAsync(workerA):
		t.Fatalf("sender received its own broadcast: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayDropsUnknownDestination(t *testing.T) {
	var dropped bool
	relay := NewRelay()
	relay.OnDropped = func(from Dest, env Envelope, reason error) { dropped = true }

	workerA, hostA := pipeConns()
	defer workerA.Close()
	relay.AddPeer(Dest(1), hostA)

	if err := workerA.Send(Dest(99), KindCertificate, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for !dropped {
		select {
		case <-deadline:
			t.Fatal("expected OnDropped to be called for an unroutable destination")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func recvAsync(c *Conn) <-chan Envelope {
	ch := make(chan Envelope, 1)
	go func() {
		env, err := c.Recv()
		if err == nil {
			ch <- env
		}
	}()
	return ch
}

