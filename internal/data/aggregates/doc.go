// Package aggregates implements the domain aggregate contracts on top of the
// table repos in internal/data/repos. Each write runs in one transaction that
// the aggregate opens and commits itself.
package aggregates
