package ledger

// Schema contains SQL schema definitions for the processing ledger
const Schema = `
-- One row per mailbox message the scanner has looked at
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mailbox TEXT NOT NULL,
    uid INTEGER NOT NULL,
    message_id TEXT,
    subject TEXT,
    sender TEXT,
    recipients TEXT,
    date DATETIME,
    body_snippet TEXT,
    action TEXT,
    reason TEXT,
    outcome TEXT NOT NULL,
    reply_type TEXT,
    stored_path TEXT,
    error TEXT,
    attempts INTEGER NOT NULL DEFAULT 1,
    timeouts INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(mailbox, uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_outcome ON messages(outcome);
CREATE INDEX IF NOT EXISTS idx_messages_action ON messages(action);
CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);

-- Full-text search index
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    subject,
    sender,
    body_snippet,
    reason,
    content='messages',
    content_rowid='id'
);

-- Triggers for FTS
CREATE TRIGGER IF NOT EXISTS messages_fts_insert AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, subject, sender, body_snippet, reason)
    VALUES (new.id, new.subject, new.sender, new.body_snippet, new.reason);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_update AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, sender, body_snippet, reason)
    VALUES ('delete', old.id, old.subject, old.sender, old.body_snippet, old.reason);
    INSERT INTO messages_fts(rowid, subject, sender, body_snippet, reason)
    VALUES (new.id, new.subject, new.sender, new.body_snippet, new.reason);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_delete AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, subject, sender, body_snippet, reason)
    VALUES ('delete', old.id, old.subject, old.sender, old.body_snippet, old.reason);
END;
`
