// Package audit provides the tamper-evident audit log for lendingd.
//
// Every state-changing action in the daemon is recorded as an audit entry.
// Entries are chained: each entry's hash covers the previous entry's hash
// plus its own serialized fields, so any retroactive edit to a stored entry
// breaks verification at exactly that line. Entries are grouped into one
// append-only segment per calendar day, and each segment carries its own
// chain seeded from a fixed constant, letting a single segment be verified
// in isolation.
//
// Detail maps are sanitized before hashing or storage: keys that name
// borrower PII (ssn, account_number, dob, ...) are replaced with a
// redaction marker. The log never stores raw PII.
package audit
