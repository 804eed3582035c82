// Package logging provides structured, redacting logging for lendingd.
//
// The package wraps Zap with context-aware methods that attach trace,
// application, session, and request correlation fields automatically.
// A RedactingEncoder masks borrower PII (SSNs, account numbers, dates of
// birth) by field name and by value pattern before any byte reaches an
// output, so raw PII never appears in log streams.
//
// Example:
//
//	logger, err := logging.New(logging.NewDefaultConfig(), nil)
//	if err != nil {
//		return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithApplicationID(ctx, appID)
//	logger.Info(ctx, "application created", zap.String("state", "initiated"))
package logging
