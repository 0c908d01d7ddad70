/*Package ensemble launches a batch of computational jobs on a short-lived
cluster of EC2 instances, runs them, and brings the results home.

A run is driven by two configuration files. The cluster configuration names
credentials, the machine image, the instance type and the size of the
cluster; the job configuration names the command to run and its inputs and
outputs. A job configuration may also list other job configurations, in
which case each one becomes a job of the batch.

The launcher stages inputs to S3, starts the instances and pushes each one a
small bootstrap over ssh. On the nodes, eca-node picks a role: node 0 is the
coordinator, which exports a shared directory, waits for every worker to
check in and then runs the jobs one after the other. Workers mount the
share and check in by writing a marker to the job's directory in the store.
When the jobs are done the coordinator saves results and logs, terminates
the workers and powers itself off, and the launcher downloads what was
produced.

With --local the same batch runs on this computer with the run directory
standing in for the store.
*/
package ensemble
