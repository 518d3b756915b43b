// Package frameflow moves video frames and their detected objects between
// the stages of a distributed analytics pipeline.
//
// A frame carries its video metadata and an object graph: detections with
// rotated bounding boxes, confidences, track ids, parent links and typed
// attributes. Stages hand frames to each other inside one process by moving
// ownership, and to other processes as envelopes over socket patterns:
// publish/subscribe, router/dealer and request/reply. Endpoints are URIs of
// the form
//
//	<pub|sub|req|rep|dealer|router>+<bind|connect>:<scheme>://<address>[:<source>]
//
// A minimal producer fills Config, calls New, acquires the lease of its
// stream with AcquireStream and calls Send for every finished frame;
// consumers call Receive and range over Input.Messages.
//
// # Transports
//
// Importing frameflow registers every built-in driver:
//   - tcp, ipc: ZeroMQ sockets for all three patterns
//   - udp, unixgram: datagram sockets for publish/subscribe
//   - inproc: sockets linked in memory, for tests and single-process graphs
//   - nats, kafka, amqp, aws, http, channel: Watermill brokers for
//     publish/subscribe
//
// # Streams and leases
//
// Every stream has one writer at a time. AcquireStream takes a lease from
// the configured coordination service (memory, pebble or NATS key/value)
// and keeps it renewed; each acquisition bumps the stream's fencing token,
// which travels in the envelope. Consumers drop envelopes whose token is
// older than one they already saw, so a replica that lost its lease cannot
// overwrite its successor.
//
// # Predicates
//
// Filter and MatchFrame take CEL expressions over an object and its frame,
// for example `label == "car" && confidence > 0.5` or
// `frame.source.glob("cam-*")`.
package frameflow
