package database

const schema = `
CREATE TABLE IF NOT EXISTS providers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    type TEXT NOT NULL UNIQUE,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL DEFAULT 993,
    smtp_host TEXT NOT NULL DEFAULT '',
    smtp_port INTEGER NOT NULL DEFAULT 587,
    secure BOOLEAN NOT NULL DEFAULT true,
    junk_folder_path TEXT NOT NULL DEFAULT '',
    oauth_client_id TEXT NOT NULL DEFAULT '',
    oauth_client_secret TEXT NOT NULL DEFAULT '',
    oauth_authorize_url TEXT NOT NULL DEFAULT '',
    oauth_token_url TEXT NOT NULL DEFAULT '',
    oauth_scope TEXT NOT NULL DEFAULT '',
    oauth_redirect_uri TEXT NOT NULL DEFAULT '',
    offline_access BOOLEAN NOT NULL DEFAULT false,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    email TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    is_active BOOLEAN NOT NULL DEFAULT true,
    provider_id INTEGER NOT NULL REFERENCES providers(id),
    auth_method TEXT NOT NULL,
    password TEXT NOT NULL DEFAULT '',
    app_password TEXT NOT NULL DEFAULT '',
    access_token TEXT NOT NULL DEFAULT '',
    refresh_token TEXT NOT NULL DEFAULT '',
    token_expires_at DATETIME,
    poll_interval INTEGER NOT NULL DEFAULT 5,
    custom_junk_folder TEXT NOT NULL DEFAULT '',
    forwarding_email TEXT NOT NULL DEFAULT '',
    filter_level TEXT NOT NULL DEFAULT '',
    filter_mode TEXT NOT NULL DEFAULT '',
    last_check_at DATETIME,
    last_action_at DATETIME,
    last_forward_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, email)
);

CREATE TABLE IF NOT EXISTS filter_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    account_id INTEGER REFERENCES accounts(id) ON DELETE CASCADE,
    pattern TEXT NOT NULL,
    is_regex BOOLEAN NOT NULL DEFAULT false,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trusted_senders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    account_id INTEGER REFERENCES accounts(id) ON DELETE CASCADE,
    email TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS junk_mail_preferences (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    account_id INTEGER REFERENCES accounts(id) ON DELETE CASCADE,
    keep_newsletters BOOLEAN NOT NULL DEFAULT false,
    keep_receipts BOOLEAN NOT NULL DEFAULT false,
    keep_social_media BOOLEAN NOT NULL DEFAULT false,
    auto_delete_all BOOLEAN NOT NULL DEFAULT false,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    activity_type TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    sender_email TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_accounts_active ON accounts(is_active);
CREATE INDEX IF NOT EXISTS idx_rules_user ON filter_rules(user_id);
CREATE INDEX IF NOT EXISTS idx_trusted_user_email ON trusted_senders(user_id, email);
CREATE INDEX IF NOT EXISTS idx_prefs_user ON junk_mail_preferences(user_id);
CREATE INDEX IF NOT EXISTS idx_activity_account ON activity_log(account_id, created_at);
`
