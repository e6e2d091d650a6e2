package wsbridge

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"nhooyr.io/websocket"

	proto "github.com/golang/protobuf/proto"
	pb "github.com/nggorpc/wsbridge/generated"
)

// TestRaceCondition verifies that concurrent stream creation and deletion
// does not cause a data race on the stream map.
// Run with: go test -race -v -run TestRaceCondition
func TestRaceCondition(t *testing.T) {
	server := NewServer(ServerOption{
		InsecureSkipOriginCheck: true,
		MaxPayloadSize:          4 * 1024 * 1024,
		IdleTimeout:             100 * time.Millisecond,
		IdleCheckInterval:       10 * time.Millisecond,
	})

	desc := &grpc.ServiceDesc{
		ServiceName: "greeter.Greeter",
		HandlerType: (*interface{})(nil),
		Methods:     []grpc.MethodDesc{},
		Streams: []grpc.StreamDesc{
			{
				StreamName: "StreamGreet",
				Handler: func(srv interface{}, stream grpc.ServerStream) error {
					return nil
				},
				ServerStreams: true,
				ClientStreams: true,
			},
		},
	}

	server.RegisterService(desc, nil)

	httpServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer httpServer.Close()

	wsURL := "ws" + httpServer.URL[4:]

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "test complete") }()

	numStreams := 100
	var wg sync.WaitGroup
	wg.Add(numStreams)

	var connMu sync.Mutex

	for i := 0; i < numStreams; i++ {
		go func(id int) {
			defer wg.Done()
			streamID := uint32(id + 1)

			headers := "path: /greeter.Greeter/StreamGreet\n"
			headersFrame := encodeFrame(streamID, FlagHEADERS, []byte(headers))

			connMu.Lock()
			if err := conn.Write(ctx, websocket.MessageBinary, headersFrame); err != nil {
				t.Errorf("failed to write headers frame: %v", err)
			}
			connMu.Unlock()

			req := &pb.HelloRequest{Name: fmt.Sprintf("User%d", id)}
			data, _ := proto.Marshal(req)
			dataFrame := encodeFrame(streamID, FlagDATA, data)

			connMu.Lock()
			if err := conn.Write(ctx, websocket.MessageBinary, dataFrame); err != nil {
				t.Errorf("failed to write data frame: %v", err)
			}
			connMu.Unlock()

			time.Sleep(time.Duration(rand.Intn(10)) * time.Millisecond)
		}(i)
	}

	go func() {
		for {
			_, _, err := conn.Read(ctx)
			if err != nil {
				return
			}
		}
	}()

	wg.Wait()
	time.Sleep(200 * time.Millisecond)
}
