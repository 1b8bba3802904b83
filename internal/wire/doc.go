// Package wire defines the collector protocol shared by the transports and the
// development collector.
//
// The direct transport calls three unary gRPC methods on the
// tendrl.v1.Collector service (PublishBatch, CheckMessages, Ping). Messages
// are JSON-encoded through a registered "json" codec, so no protobuf code
// generation is needed. CollectorServer and ServiceDesc let a server register
// an implementation with grpc.Server.RegisterService.
//
// The agent transport talks to a co-located agent over a Unix socket using
// length-prefixed frames: a 4-byte big-endian body length followed by a JSON
// Frame. Every request frame is answered by exactly one response frame.
package wire
