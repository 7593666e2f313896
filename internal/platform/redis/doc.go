// Package redis implements task.Queue on Redis lists. Each queue name maps
// to a list popped with BRPOP, which hands a record to exactly one worker,
// plus a sorted set holding delayed records until they are due.
package redis
