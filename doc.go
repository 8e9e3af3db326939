/*
Package morm is an execution layer for model-mapped SQL over pooled
connections. It turns model operations into parameterized statements, runs
them through a pluggable connection pool, and materializes the results into
records or caller structs with a small, predictable API.

# Overview

morm separates statement execution from statement construction. The DB
pipeline owns connection checkout, transaction wrapping, and backend error
classification; the query types (select, insert, update, delete, raw) own
SQL generation and result caching. Backends plug in through two small
surfaces: a [Pool] handing out connections and a [Dialect] describing
capabilities (placeholder style, RETURNING, sequences, multi-row insert).
[NewDBPool] adapts any database/sql pool; [Postgres], [MySQL], and [SQLite]
cover the common dialects.

# Execution model

While in autocommit mode every committing statement runs inside its own
single-statement transaction scope, so the statement and its commit are
atomic together and a pooled connection is held only for that scope. Reads
skip the scope. [DB.Atomic] opens an explicit multi-statement scope on one
connection; statements issued through its *Tx are committed only by the
scope.

# Key resolution

A single-row insert resolves the generated primary key by the first
strategy the backend supports: a RETURNING clause, else a session-local
CURRVAL read on the key's sequence (issued on the inserting connection),
else none. Bulk inserts can request the full id list where the backend can
produce one; see [InsertQuery.ReturnIDList].

# Result caching

Select and raw queries memoize their result: executing a clean query
returns the cached rows, and only mutating the query triggers
re-execution. Rows are buffered as they arrive and converted to records
lazily, so iteration, First, and Scalar never re-read the cursor.

# Error handling

Backend errors are classified before they surface: constraint violations
match [ErrIntegrity] and connection-level failures match [ErrConnectivity]
via errors.Is, with the driver error still reachable through errors.As. An
[ErrorHook] installed on the DB sees every classified error and may
suppress it, in which case the caller receives an empty result. Get reports
a missing row as *[NotFoundError] carrying the statement text and bound
parameters.

# Typed materialization

[Fetch] and [FetchOne] map result rows into caller structs by db tag
(case-insensitive, `db:",inline"` flattens nested structs) or into
single-column primitives. Plans are built once per (type, column set) pair
and cached in a concurrency-safe map; subsequent scans reuse the plan.

# Usage notes

Prefer explicit column lists over SELECT * to keep mapping stable. Use
contexts to bound checkout and query time; the pipeline imposes no internal
timeouts. DB is safe for concurrent use, but a single query or record
instance is not; share the DB, not the query.
*/
package morm
