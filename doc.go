/*
procpipe runs child processes with a bounded pool, optionally chained into pipelines.

It allows to run many external commands concurrently while controlling how many of them are alive at once.

Each work item is a command with its arguments, optional environment overrides, optional input bytes and an optional timeout.
Items are submitted as a Batch to a Pool. The Pool starts at most Size processes at once and queues the rest, in submission order.
Results are collected with Batch.Await, always in submission order, whatever the completion order.

For instance:

- 10 items are submitted to a Pool of size 4: 4 processes start, 6 items wait in the queue
- Each time a process exits (or times out and gets killed), its slot goes to the next queued item
- An item timeout is measured from the moment its process starts, so waiting in the queue does not count
- A non zero exit code is a fact recorded in the Result, not an error: the pool surfaces facts, the caller judges

Pipelines are built with Chain (or Connect / NewPipeline for hand made handles). The output of a stage feeds the input of the next one
through a single OS pipe, which has exactly one reader: the parent process never keeps a reference to an intermediate output. When a
downstream stage exits early, its upstream gets a broken pipe instead of blocking forever. A pipeline needs one slot per stage.

Child processes are isolated OS processes: they run in parallel on all cores. This is where CPU bound parallel work belongs, rather than in goroutines
sharing a single process.

Pool sizing is a tradeoff between throughput and the resources (memory, file descriptors, CPU) consumed by the children. As for any performance tuning,
you should try and tune.
*/

package procpipe
