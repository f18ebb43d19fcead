// Package api implements Valka's transport-agnostic control-plane business
// logic: create/get/list/cancel task, send/list signal, list dead letters,
// and the two subscription operations (task events, task run logs)
// (spec §4.3, §4.9, §4.10; component L). It depends only on pkg/store,
// pkg/matching, pkg/dispatcher, pkg/forwarder, pkg/cluster, and pkg/events
// (plus the shared ids/log/metrics/types/verrors helpers) — never on gRPC
// wire types — so pkg/rpc can translate request/response envelopes to and
// from it without this package knowing a wire protocol exists.
//
// Grounded on original_source/crates/valka-server/src/grpc.rs for exact
// operation semantics (ApiServiceImpl's create_task/cancel_task/send_signal/
// subscribe_logs flows) and on the teacher's pkg/api server for the overall
// "thin RPC shell around a plain Go service" shape.
package api
