package worker

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) start() {
	w.pool.wg.Add(1)
	go func() {
		defer w.pool.wg.Done()
		for {
			select {
			case job := <-w.jobChannel:
				if job.stop {
					w.pool.retire(w.jobChannel)
					return
				}
				w.pool.exec(job)
				w.pool.release(w.jobChannel)
			case <-w.pool.quit:
				return
			}
		}
	}()
}
