package ui

const uiHeader = `
<html>
	<head>

	<style>
		.buttons {
			margin-bottom: 1rem;
		}
		button {
			background-color: black;
			color: white;
			border: 1px solid black;
			padding: 8px;
			font-size: 16px;
			cursor: pointer;
		}
		table {
			border-collapse: collapse;
			width: 100%;
		}
		th, td {
			border: 1px solid black;
			padding: 8px;
			text-align: left;
		}
		th {
			background-color: black;
			color: white;
		}
		.tree-wrapper {
			padding-top: 10px;
		  }
		  
		  .tree-list {
			list-style: none;
			padding: 0;
			margin: 0;
		  }
		  .tree-list .tree-item {
			position: relative;
			display: block;
			min-height: 2em;
			line-height: 2em;
			margin-bottom: 10px;
			padding-left: 21px;
		  }
		  .tree-list .tree-item:before, .tree-list .tree-item:after {
			content: "";
			position: absolute;
			display: block;
			background-color: #333;
		  }
		  .tree-list .tree-item:before {
			top: 0;
			left: 10px;
			width: 1px;
			height: calc(100% + 10px);
		  }
		  .tree-list .tree-item:after {
			top: 1em;
			left: 10px;
			width: 11px;
			height: 1px;
		  }
		  .tree-list .tree-item:last-child {
			margin-bottom: 0;
		  }
		  .tree-list .tree-item:last-child:before {
			height: 1em;
		  }
		  .tree-list .tree-item:first-child:before {
			top: -10px;
			height: calc(100% + 20px);
		  }
		  .tree-list .tree-item > span {
			display: inline-block;
			padding: 0 5px;
			border: 1px solid #333;
		  }
		  .tree-list .tree-item > .tree-list {
			padding-top: 10px;
		  }
		
	</style>
		<title>xnix kernel dashboard</title>
	</head>
	<body>
`

const uiFooter = `
	</body>
</html>
`

const viewProcessDetails = `
		<div class="container">
		<div class="buttons">
			<a href="/"><button>All Processes</button></a>
			<a href="/tree/{{ .PID }}"><button>Process Hierarchy</button></a>
		</div>
		<table>
            <tr>
                <th>Field</th>
                <th>Value</th>
            </tr>
            <tr><td>PID</td><td>{{ .PID }}</td></tr>
            <tr><td>Name</td><td>{{ .Name }}</td></tr>
            <tr><td>Parent PID</td><td>{{ .ParentPID }}</td></tr>
            <tr><td>State</td><td>{{ .State }}</td></tr>
            <tr><td>Entry point</td><td>{{ printf "%#x" .EntryPoint }}</td></tr>
            <tr><td>Threads</td><td>{{ .Threads }}</td></tr>
			</table>
		<h2>Handles</h2>
		<table>
            <tr>
                <th>Handle</th>
                <th>Type</th>
                <th>Rights</th>
                <th>Name</th>
            </tr>
			{{range .Handles}}
            <tr>
                <td>{{.Handle}}</td>
                <td>{{.Type}}</td>
                <td>{{.Rights}}</td>
                <td>{{.Name}}</td>
            </tr>
			{{end}}
			</table>
		</div>
`

const viewTreeDetails = `
		<div class="container">
		<div class="buttons">
			<a href="/"><button>All Processes</button></a>
		</div>
			<div class="tree-wrapper">

		  	    {{ range $value := . }}
				<ul class="tree-list">
					<li class="tree-item has-sub">
						<span><a href="/process/{{ .PID }}">{{ .Name }} ({{ .PID }})</a></span>
				{{ end }}
		  	    {{ range . }}
					</ul>
				</li>
				{{ end }}
			</div>
		</div>
`

const allProcessesView = `
		<div class="container">
		<div class="buttons">
			<a href="/refresh"><button>Tick</button></a>
			<a href="/services"><button>Services</button></a>
		</div>
		<table>
            <tr>
                <th>PID</th>
                <th>Name</th>
                <th>PPID</th>
                <th>State</th>
            </tr>
			{{range .PS}}
            <tr>
                <td>{{.PID}}</td>
				<td><a href="/process/{{.PID}}">{{.Name}}</a></td>
                <td>{{.ParentPID}}</td>
                <td>{{.State}}</td>
            </tr>
            {{end}}
			</table>
		</div>
`

const viewServices = `
		<div class="container">
		<div class="buttons">
			<a href="/"><button>All Processes</button></a>
		</div>
		<table>
            <tr>
                <th>Name</th>
                <th>State</th>
                <th>PID</th>
                <th>Ready</th>
                <th>Mounted</th>
            </tr>
			{{range .}}
            <tr>
                <td>{{.Name}}</td>
                <td>{{.State}}</td>
                <td>{{.PID}}</td>
                <td>{{.Ready}}</td>
                <td>{{.Mounted}}</td>
            </tr>
            {{end}}
			</table>
		</div>
`

const errorView = `
		<div class="container">
			<div class="status">
			<h1>Failed creating requested page.</h1>
			<p>Error details {{ . }}</p>
			</div>
		</div>
`
