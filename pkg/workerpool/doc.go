// Package workerpool runs keyed, context-aware tasks on a fixed set of
// worker goroutines.
//
// Every task carries a key (a customer id in the batch orchestrator) so
// failures and recovered panics can be attributed to the unit of work
// that produced them.
//
//	pool, err := workerpool.New(workerpool.Config{
//	    Workers:   8,
//	    QueueSize: 256,
//	    ErrorHandler: func(err *workerpool.TaskError) {
//	        log.Printf("%s failed: %v", err.Key, err.Err)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Stop()
//
//	for _, id := range customerIDs {
//	    id := id
//	    pool.Submit(ctx, id, func(ctx context.Context) error {
//	        return process(ctx, id)
//	    })
//	}
//	pool.Wait()
package workerpool
