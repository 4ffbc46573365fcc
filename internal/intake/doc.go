// Package intake is where tag sync requests enter the process: an HTTP API
// (chi) and an optional Kafka topic consumer. Both end in Engine.SubmitTag.
package intake
