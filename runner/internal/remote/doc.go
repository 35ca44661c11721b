// Package remote is the boundary to the remote geospatial compute service.
//
// Analysis stages build lazy expression graphs through typed handles
// (Region, Raster, Collection, Reducer, Filter, Dict, Feature). Nothing is
// computed until a graph is handed to a Client:
//
//   - Reduce runs a region reduction and returns nullable scalar statistics
//   - Size and Evaluate materialize small values (counts, attribute
//     dictionaries, candidate lists)
//   - SubmitExport / PollStatus drive long-running export jobs
//
// HTTPClient is the production Client. It carries an explicit lifecycle
// (NewHTTPClient / Close), optional request pacing via golang.org/x/time/rate
// and an optional retry policy for transient failures. All failures match
// types.ErrRemoteCompute.
//
// Package remotetest provides an in-memory Client for stage and scheduler tests.
package remote
