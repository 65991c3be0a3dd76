// Package mongo registers MongoDB-backed storage for stage DAG nodes.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a stage.Store shared by every process extending a run's graph.
package mongo
