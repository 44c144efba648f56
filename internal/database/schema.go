package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id BIGINT PRIMARY KEY,
    trial_remaining INT NOT NULL DEFAULT 3,
    token_balance INT NOT NULL DEFAULT 0,
    subscription_active TINYINT(1) NOT NULL DEFAULT 0,
    auto_reload_enabled TINYINT(1) NOT NULL DEFAULT 0,
    auto_reload_threshold INT NOT NULL DEFAULT 10,
    auto_reload_amount INT NOT NULL DEFAULT 50,
    reload_failure_count INT NOT NULL DEFAULT 0,
    last_reload_at TIMESTAMP NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CONSTRAINT chk_trial_nonneg CHECK (trial_remaining >= 0),
    CONSTRAINT chk_tokens_nonneg CHECK (token_balance >= 0)
);

CREATE TABLE IF NOT EXISTS transactions (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    counter VARCHAR(8) NOT NULL,
    kind VARCHAR(16) NOT NULL,
    amount INT NOT NULL,
    balance_after INT NOT NULL,
    external_event_id VARCHAR(128) NULL,
    reference_id VARCHAR(64) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_external_event (external_event_id),
    UNIQUE KEY uniq_kind_reference (kind, reference_id),
    KEY idx_user_created (user_id, created_at),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
);

CREATE TABLE IF NOT EXISTS generation_requests (
    id CHAR(36) PRIMARY KEY,
    user_id BIGINT NOT NULL,
    address VARCHAR(512) NOT NULL DEFAULT '',
    base_image_url VARCHAR(1024) NOT NULL DEFAULT '',
    payment_method VARCHAR(16) NOT NULL,
    units_charged INT NOT NULL,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP NULL,
    KEY idx_user_requests (user_id, created_at),
    KEY idx_status (status),
    FOREIGN KEY (user_id) REFERENCES accounts(user_id)
);

CREATE TABLE IF NOT EXISTS generation_areas (
    id CHAR(36) PRIMARY KEY,
    generation_id CHAR(36) NOT NULL,
    area_type VARCHAR(64) NOT NULL,
    style VARCHAR(64) NOT NULL DEFAULT '',
    custom_prompt TEXT,
    status VARCHAR(16) NOT NULL,
    progress INT NOT NULL DEFAULT 0,
    result_url VARCHAR(1024) NOT NULL DEFAULT '',
    error TEXT,
    refunded TINYINT(1) NOT NULL DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_generation (generation_id),
    FOREIGN KEY (generation_id) REFERENCES generation_requests(id)
);
`
