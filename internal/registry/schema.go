package registry

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id                TEXT PRIMARY KEY,
	entity_type       TEXT NOT NULL,
	name              TEXT NOT NULL,
	normalized_name   TEXT NOT NULL,
	tax_id            TEXT NOT NULL DEFAULT '',
	invoice_count     INTEGER NOT NULL DEFAULT 0,
	total_amount      TEXT NOT NULL DEFAULT '0',
	last_invoice_date TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'active',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

-- Tax id is the identity key of an entity; name alone never is.
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_tax_id
	ON entities(entity_type, tax_id) WHERE tax_id <> '';

CREATE INDEX IF NOT EXISTS idx_entities_normalized_name
	ON entities(entity_type, normalized_name);

CREATE TABLE IF NOT EXISTS extraction_templates (
	id                   TEXT PRIMARY KEY,
	provider_key         TEXT NOT NULL UNIQUE,
	supplier_name        TEXT NOT NULL,
	tax_id               TEXT NOT NULL DEFAULT '',
	patterns             TEXT NOT NULL,
	invalid_patterns     TEXT NOT NULL DEFAULT '[]',
	confidence_threshold REAL NOT NULL,
	usage_count          INTEGER NOT NULL,
	success_rate         REAL NOT NULL,
	status               TEXT NOT NULL,
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_invoices (
	document_id    TEXT NOT NULL,
	record_index   INTEGER NOT NULL,
	invoice_number TEXT NOT NULL DEFAULT '',
	issue_date     TEXT NOT NULL DEFAULT '',
	total_amount   TEXT NOT NULL DEFAULT '',
	record_json    TEXT NOT NULL,
	supplier_id    TEXT REFERENCES entities(id),
	customer_id    TEXT REFERENCES entities(id),
	template_id    TEXT REFERENCES extraction_templates(id),
	PRIMARY KEY (document_id, record_index)
);
`
