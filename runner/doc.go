// Package runner orchestrates versioned application-migration runs. It
// drives an engine (version ledger + lifecycle hooks), a step registry and
// an optional schema migrator through a fixed sequence: decide whether to
// run, discover steps, compute the pending subset, snapshot data via prepare
// hooks before schema changes apply, then execute each pending step in
// ascending version order inside its own transaction, recording every newly
// applied version in the ledger.
//
// A typical host wires it once at startup:
//
//	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	eng := engine.NewGormEngine(db, engine.WithLogger(logger))
//	reg := step.NewRegistry().Register(
//		&seedAccounts{},
//		&backfillDisplayNames{},
//	)
//	run := runner.New(eng, reg,
//		runner.WithSchemaMigrator(migrator),
//		runner.WithLogger(logger),
//	)
//	if err := run.Run(ctx); err != nil {
//		log.Fatal("migrations failed", zap.Error(err))
//	}
package runner
