package credential

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*PostgresStore)(nil)
)
