/*
Package metrics provides Prometheus metrics and health/readiness reporting
for the AI review service: queue depth, worker busy state, and review/patch
outcome counters, exposed via promhttp for scraping, and a small component
health registry served by the /health, /ready and /live handlers.
*/
package metrics
