/*
Package security provides the cryptographic material a single node
needs: a self-signed CertAuthority that mints this node's Postgres
server certificate and, when ssl-mode=require is configured, the client
certificate used to reach the coordinator, plus the file-based
save/load helpers and an AES-256-GCM SecretsManager for anything that
needs to be kept at rest rather than in plaintext in the state file.

There is deliberately no cluster-wide CA distribution: each node is its
own root of trust for its own Postgres instance, matching the way
pg_auto_failover-style agents handle SSL — generate-or-bring-your-own,
never hand out a shared private key over the wire.
*/
package security
