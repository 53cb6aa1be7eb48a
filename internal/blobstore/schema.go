package blobstore

// schema has two tables: blob_data holds per-fragment rows keyed
// (dataid, fragmentnr), blob records a finalised blob's binding to its
// owning node. BLOB_FRAGMENT_SIZE must never change for a live database —
// it is baked into fragmentnr arithmetic, not stored per-row.
const schema = `
CREATE TABLE IF NOT EXISTS blob_data (
	dataid       BLOB    NOT NULL,
	fragmentnr   INTEGER NOT NULL,
	finalized    INTEGER NOT NULL DEFAULT 0,
	fragment     BLOB    NOT NULL,
	creationtime INTEGER NOT NULL,
	PRIMARY KEY (dataid, fragmentnr)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_blob_data_fragment ON blob_data(dataid, fragmentnr);
CREATE INDEX IF NOT EXISTS idx_blob_data_creationtime ON blob_data(creationtime);

CREATE TABLE IF NOT EXISTS blob (
	node_id1    BLOB NOT NULL,
	dataid      BLOB NOT NULL,
	storagetime INTEGER NOT NULL,
	PRIMARY KEY (node_id1, dataid)
);
CREATE INDEX IF NOT EXISTS idx_blob_node_dataid ON blob(node_id1, dataid);
`
