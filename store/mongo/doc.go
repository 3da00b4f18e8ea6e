// Package mongo implements the job store on MongoDB using the official
// driver. Claims use FindOneAndUpdate with a sort on (modified desc,
// _id asc) so selection and the flip to running are one atomic
// server-side operation. BSON datetimes hold millisecond precision, so
// timestamps round-trip at that granularity.
//
//	store, err := mongo.New(ctx, "mongodb://localhost:27017")
//	if err != nil { ... }
//	defer store.Close()
//	if err := store.Migrate(ctx); err != nil { ... }
package mongo
