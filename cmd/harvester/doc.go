// Command harvester runs one incremental harvest of VK mobile group walls:
// posts, their threaded comments and the profiles of every commenter.
//
// Usage:
//
//	harvester -config harvester.yaml -group club1 -group durov
//	harvester -from-storage -fast
//
// Configuration comes from the optional YAML file and HARVESTER_* environment
// variables, which may be preloaded from a .env file. Flags override both.
//
// Operational notes:
//   - Stages run in sequence and every task persists its own results, so an
//     interrupted run keeps what it finished. A later -from-storage run picks
//     up posts without comments and commenters without profiles.
//   - All fetches share one adaptive limiter. Failures slow it down and three
//     consecutive errors pause every worker.
//   - With server.enabled the process also serves /healthz, /metrics and the
//     /v1/runs history until the harvest ends.
package main
