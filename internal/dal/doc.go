// Package dal implements the Data Abstraction Layer: a
// per-file-handle capability set on a located backing-store object. The
// only implementation shipped here, s3dal, wraps
// github.com/aws/aws-sdk-go-v2/service/s3 — retry, circuit breaker,
// and metrics wired around GET and DELETE calls (the streaming PUT upload
// runs without them), one DAL object key computed per
// types.ObjectLocation. No connection pool sits on top of the SDK: an
// *s3.Client already pools its own HTTP transport connections, so a
// second pool would just add a second layer of the same bookkeeping.
package dal
