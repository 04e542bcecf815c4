package migration

import (
	"github.com/BaSui01/fleetguard/config"
)

// NewMigratorFromDatabaseConfig creates a migrator for the journal database.
// SQLite returns ErrManagedByAutoMigrate.
func NewMigratorFromDatabaseConfig(dbCfg config.DatabaseConfig) (*DefaultMigrator, error) {
	cfg, err := ConfigFromDatabase(dbCfg)
	if err != nil {
		return nil, err
	}
	return NewMigrator(cfg)
}

// ConfigFromDatabase derives the migrator configuration without opening a connection.
func ConfigFromDatabase(dbCfg config.DatabaseConfig) (*Config, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, err
	}
	if dbType == DatabaseTypeSQLite {
		return nil, ErrManagedByAutoMigrate
	}

	return &Config{
		DatabaseType: dbType,
		DatabaseURL: BuildDatabaseURL(dbType, dbCfg.Host, dbCfg.Port, dbCfg.Name,
			dbCfg.User, dbCfg.Password, dbCfg.SSLMode),
		TableName: "fleetguard_schema_migrations",
	}, nil
}
