// Package tokensync and its sub-packages implement the backend of a platform token: a ledger mirroring the
// transfers of an EVM contract, the listener that keeps it current, token operations and batched airdrops.
/*
tokensync provides you with a single service (cmd/tokensync) made of:

1) a transfer ledger (package ledger) that records every Transfer and ItemTransfer event of the contract at most
 once and serves the history of an address, classifying each entry as a mint, burn, send or receive.

2) a listener (package explorer) that, at start-up, backfills a bounded window of recent blocks and then subscribes
 to the live events of the contract, recording them into the ledger.

3) token operations (package token) to mint, send and burn tokens from the operator account, and an airdrop engine
 (package airdrop) that splits large distributions into chunks executed by a job scheduler and resumed after a
 crash.

Architecture

The blockchain is authoritative, the ledger is a mirror of it. Every recorded transfer is keyed by its transaction
and recipient, so the listener, the backfill and the operations can all record the same event and only one row is
stored. While an operation waits for its own transaction, a guard (package lib/guard) tells the listener to skip
live events; the operation records them itself.

The database is implemented as a product agnostic layer (package lib/store) with MongoDB, PostgreSQL and in-memory
implementations. The blockchain layer (package lib/block) is implemented for EVM networks with go-ethereum. Airdrop
executions are queued through a scheduler (package lib/jobs) that runs them either in process or through the
message broker (package lib/msg), which also publishes every newly recorded transfer.

Airdrop chunks persist their progress. A chunk's transaction hash is stored as soon as it is submitted, so an
interrupted execution resumes by waiting for that transaction instead of submitting it again.

The service can also be monitored via a Prometheus API by setting the flag "-m" at startup.

REST API

The API (package api) provides the history and balances of an address, the token operations and the submission
and status of airdrops. There is no authorization layer: the API is meant to be deployed behind the platform
gateway.
*/
package tokensync
