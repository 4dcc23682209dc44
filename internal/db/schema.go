package db

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- CHECKPOINT TABLE (one row per source, record id = source name)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS checkpoint SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS source_type ON checkpoint TYPE string;
    DEFINE FIELD IF NOT EXISTS last_processed_id ON checkpoint TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS last_processed_timestamp ON checkpoint TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS last_success_at ON checkpoint TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS last_failure_at ON checkpoint TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS records_processed ON checkpoint TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS status ON checkpoint TYPE string DEFAULT "idle"
        ASSERT $value IN ["idle", "running", "success", "failure"];
    DEFINE FIELD IF NOT EXISTS error_message ON checkpoint TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS updated_at ON checkpoint TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS checkpoint_status ON checkpoint FIELDS status;

    -- ==========================================================================
    -- RUN TABLE (append-only run history, record id = run_id)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS run_id ON run TYPE string;
    DEFINE FIELD IF NOT EXISTS source_type ON run TYPE string;
    DEFINE FIELD IF NOT EXISTS started_at ON run TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS completed_at ON run TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS duration_seconds ON run TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS records_processed ON run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS records_inserted ON run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS records_updated ON run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS records_failed ON run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS status ON run TYPE string
        ASSERT $value IN ["running", "success", "failure"];
    DEFINE FIELD IF NOT EXISTS error_message ON run TYPE option<string>;

    DEFINE INDEX IF NOT EXISTS run_source ON run FIELDS source_type;
    DEFINE INDEX IF NOT EXISTS run_started ON run FIELDS started_at;

    -- ==========================================================================
    -- ENTITY TABLE (canonical entities, record id = [source_type, source_id])
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS entity SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS source_type ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS source_id ON entity TYPE string;
    DEFINE FIELD IF NOT EXISTS canonical_id ON entity TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS title ON entity TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS description ON entity TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS value ON entity TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS category ON entity TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS tags ON entity TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS source_timestamp ON entity TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS extra ON entity TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created_at ON entity TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON entity TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS entity_source ON entity FIELDS source_type;
    DEFINE INDEX IF NOT EXISTS entity_canonical ON entity FIELDS canonical_id;
    DEFINE INDEX IF NOT EXISTS entity_category ON entity FIELDS category;
    DEFINE ANALYZER IF NOT EXISTS entity_analyzer TOKENIZERS class FILTERS lowercase, ascii, snowball(english);
    DEFINE INDEX IF NOT EXISTS entity_title_ft ON entity FIELDS title FULLTEXT ANALYZER entity_analyzer BM25;
    DEFINE INDEX IF NOT EXISTS entity_desc_ft ON entity FIELDS description FULLTEXT ANALYZER entity_analyzer BM25;

    -- ==========================================================================
    -- RAW_RECORD TABLE (as-extracted payloads for replay and audit)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS raw_record SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS source_type ON raw_record TYPE string;
    DEFINE FIELD IF NOT EXISTS source_id ON raw_record TYPE string;
    DEFINE FIELD IF NOT EXISTS fields ON raw_record TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS ingested_at ON raw_record TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS raw_source ON raw_record FIELDS source_type;

    -- ==========================================================================
    -- DRIFT_EVENT TABLE (append-only schema drift audit log)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS drift_event SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS source_name ON drift_event TYPE string;
    DEFINE FIELD IF NOT EXISTS record_id ON drift_event TYPE string;
    DEFINE FIELD IF NOT EXISTS confidence_score ON drift_event TYPE float
        ASSERT $value >= 0.0 AND $value <= 1.0;
    DEFINE FIELD IF NOT EXISTS missing_fields ON drift_event TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS extra_fields ON drift_event TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS type_mismatches ON drift_event TYPE array<object> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS type_mismatches.* ON drift_event TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS fuzzy_suggestions ON drift_event TYPE array<object> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS fuzzy_suggestions.* ON drift_event TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS detected_at ON drift_event TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS drift_source ON drift_event FIELDS source_name;
    DEFINE INDEX IF NOT EXISTS drift_detected ON drift_event FIELDS detected_at;
`
