// Package permit defines the canonical drilling-permit record and the
// collaborator interfaces shared by the listing scraper and the enrichment worker.
package permit
