// Package generated holds the hand-maintained stand-in for protoc-gen-go
// output: message types for the example greeter.Greeter service used by
// wsbridge's tests and cmd/ binaries.
package generated

import (
	"fmt"

	proto "github.com/golang/protobuf/proto"
)

// HelloRequest is the unary and streaming request message for Greeter.
type HelloRequest struct {
	Name string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
}

func (m *HelloRequest) Reset()         { *m = HelloRequest{} }
func (m *HelloRequest) String() string { return fmt.Sprintf("HelloRequest{Name:%q}", m.GetName()) }
func (*HelloRequest) ProtoMessage()    {}

func (m *HelloRequest) GetName() string {
	if m != nil {
		return m.Name
	}
	return ""
}

// HelloResponse is the response message for SayHello and StreamGreet.
type HelloResponse struct {
	Message string `protobuf:"bytes,1,opt,name=message,proto3" json:"message,omitempty"`
}

func (m *HelloResponse) Reset()         { *m = HelloResponse{} }
func (m *HelloResponse) String() string { return fmt.Sprintf("HelloResponse{Message:%q}", m.GetMessage()) }
func (*HelloResponse) ProtoMessage()    {}

func (m *HelloResponse) GetMessage() string {
	if m != nil {
		return m.Message
	}
	return ""
}

// Empty carries no fields; it is the request for InfiniteTicker.
type Empty struct{}

func (m *Empty) Reset()         { *m = Empty{} }
func (m *Empty) String() string { return "Empty{}" }
func (*Empty) ProtoMessage()    {}

// Tick is one server-streamed message from InfiniteTicker.
type Tick struct {
	Count     int64 `protobuf:"varint,1,opt,name=count,proto3" json:"count,omitempty"`
	Timestamp int64 `protobuf:"varint,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
}

func (m *Tick) Reset() { *m = Tick{} }
func (m *Tick) String() string {
	return fmt.Sprintf("Tick{Count:%d,Timestamp:%d}", m.GetCount(), m.GetTimestamp())
}
func (*Tick) ProtoMessage() {}

func (m *Tick) GetCount() int64 {
	if m != nil {
		return m.Count
	}
	return 0
}

func (m *Tick) GetTimestamp() int64 {
	if m != nil {
		return m.Timestamp
	}
	return 0
}

var (
	_ proto.Message = (*HelloRequest)(nil)
	_ proto.Message = (*HelloResponse)(nil)
	_ proto.Message = (*Empty)(nil)
	_ proto.Message = (*Tick)(nil)
)
