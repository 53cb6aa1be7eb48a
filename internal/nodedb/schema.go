package nodedb

// schema is the concrete SQLite-in-WAL-mode rendition of the node data
// model. Columns use SQLite spellings (BLOB where PostgreSQL would use
// bytea, INTEGER for bigint/smallint) and SQLite blob literals (x''); the
// DDL is written for SQLite and is not valid PostgreSQL as it stands.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id1                     BLOB PRIMARY KEY,
	id2                     BLOB NOT NULL DEFAULT x'',
	parentid                BLOB NOT NULL,
	owner                   BLOB NOT NULL,
	ownertype               INTEGER NOT NULL,
	creationtime            INTEGER NOT NULL,
	expiretime              INTEGER NOT NULL DEFAULT 0,
	storagetime             INTEGER NOT NULL,
	trailupdatetime         INTEGER NOT NULL DEFAULT 0,
	region                  TEXT NOT NULL DEFAULT '',
	jurisdiction            TEXT NOT NULL DEFAULT '',
	flags                   INTEGER NOT NULL DEFAULT 0,
	contenttype             BLOB NOT NULL DEFAULT x'',
	data                    BLOB NOT NULL DEFAULT x'',
	blobhash                BLOB NOT NULL DEFAULT x'',
	bloblength              INTEGER NOT NULL DEFAULT 0,
	bumphash                BLOB NOT NULL DEFAULT x'',
	uniquehash              BLOB NOT NULL,
	transienthash           BLOB NOT NULL,
	is_online_id_validated  INTEGER NOT NULL DEFAULT 0,
	encoded                 BLOB NOT NULL,
	UNIQUE (uniquehash)
);
CREATE INDEX IF NOT EXISTS idx_nodes_creationtime    ON nodes(creationtime);
CREATE INDEX IF NOT EXISTS idx_nodes_storagetime     ON nodes(storagetime);
CREATE INDEX IF NOT EXISTS idx_nodes_trailupdatetime ON nodes(trailupdatetime);
CREATE INDEX IF NOT EXISTS idx_nodes_expiretime      ON nodes(expiretime);
CREATE INDEX IF NOT EXISTS idx_nodes_id1             ON nodes(id1);
CREATE INDEX IF NOT EXISTS idx_nodes_id2             ON nodes(id2);
CREATE INDEX IF NOT EXISTS idx_nodes_parentid        ON nodes(parentid);
CREATE INDEX IF NOT EXISTS idx_nodes_owner           ON nodes(owner);
CREATE INDEX IF NOT EXISTS idx_nodes_bumphash        ON nodes(bumphash);

CREATE TABLE IF NOT EXISTS achilles_hashes (
	id1  BLOB NOT NULL,
	hash BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_achilles_id1_hash ON achilles_hashes(id1, hash);

CREATE TABLE IF NOT EXISTS destroy_hashes (
	id1  BLOB NOT NULL, -- id1 of the destroyer node
	hash BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_destroy_id1_hash ON destroy_hashes(id1, hash);

CREATE TABLE IF NOT EXISTS licensing_hashes (
	license_id1             BLOB NOT NULL,
	hash                    BLOB NOT NULL,
	disallowretrolicensing  INTEGER NOT NULL DEFAULT 0,
	parentpathhash          BLOB NOT NULL DEFAULT x'',
	restrictivemode_writer  INTEGER NOT NULL DEFAULT 0,
	restrictivemode_manager INTEGER NOT NULL DEFAULT 0,
	target                  BLOB NOT NULL DEFAULT x''
);
CREATE INDEX IF NOT EXISTS idx_licensing_id1_hash ON licensing_hashes(license_id1, hash);

CREATE TABLE IF NOT EXISTS friend_certs (
	id1         BLOB NOT NULL,
	owner       BLOB NOT NULL,
	constraints BLOB NOT NULL,
	image       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_friend_certs_constraints ON friend_certs(constraints);
`
