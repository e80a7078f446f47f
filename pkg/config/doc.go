// Package config loads fleetplay's configuration and play files.
//
// Play files are YAML or CUE documents with a top-level "play" field and an
// optional "includes" map of named task lists:
//
//	play:
//	  name: deploy web
//	  hosts: web
//	  strategy: free
//	  forks: 10
//	  tasks:
//	    - name: install
//	      module: command
//	      args: {cmd: apt-get install -y nginx}
//	      throttle: 2
//	    - block:
//	        - module: command
//	          args: {cmd: systemctl restart nginx}
//	      rescue:
//	        - include: rollback
//	includes:
//	  rollback:
//	    - module: copy
//	      args: {src: nginx.conf.bak, dest: /etc/nginx/nginx.conf}
//
// PlayParser decodes a document and checks it three ways: the built-in CUE
// #PlayDocument schema, validator struct tags, and structural rules (one kind
// per entry, known include names). Problems come back as ValidationError
// values with a severity so callers can print every issue at once.
//
// AppConfig is the YAML application configuration (data directory, defaults
// for forks and strategy, SSH, policy and telemetry settings).
//
// StarlarkEvaluator runs the sources of the script module with a timeout.
package config
